package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/getmockd/rpcgate/internal/matching"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const definitionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "host", "port", "routes"],
  "properties": {
    "name": {"type": "string", "pattern": "^[A-Za-z0-9][A-Za-z0-9._-]*$"},
    "protocol": {"enum": ["", "grpc", "GRPC"]},
    "host": {"type": "string", "minLength": 1},
    "port": {"type": "integer", "minimum": 1, "maximum": 65535},
    "routes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["httpMethod", "path", "targetService", "targetMethod"],
        "properties": {
          "httpMethod": {"enum": ["GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"]},
          "path": {"type": "string", "pattern": "^/"},
          "targetService": {"type": "string", "pattern": "^[A-Za-z_][A-Za-z0-9_]*(\\.[A-Za-z_][A-Za-z0-9_]*)*$"},
          "targetMethod": {"type": "string", "pattern": "^[A-Za-z_][A-Za-z0-9_]*$"}
        }
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if err := compiler.AddResource("service-definition.json", strings.NewReader(definitionSchema)); err != nil {
			schemaErr = fmt.Errorf("failed to add schema resource: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile("service-definition.json")
	})
	return schema, schemaErr
}

// Normalize upper-cases methods, cleans paths and defaults the protocol.
func (d *ServiceDefinition) Normalize() {
	if d.Protocol == "" {
		d.Protocol = ProtocolGRPC
	}
	d.Protocol = strings.ToLower(d.Protocol)
	if d.Routes == nil {
		d.Routes = []RouteDefinition{}
	}
	for i := range d.Routes {
		d.Routes[i].HTTPMethod = strings.ToUpper(strings.TrimSpace(d.Routes[i].HTTPMethod))
		if d.Routes[i].Path != "" {
			d.Routes[i].Path = NormalizePath(strings.TrimSpace(d.Routes[i].Path))
		}
		d.Routes[i].TargetService = strings.TrimPrefix(d.Routes[i].TargetService, "/")
	}
}

// Validate checks a normalized definition. Every failure wraps
// ErrInvalidDefinition.
func (d *ServiceDefinition) Validate() error {
	s, err := compiledSchema()
	if err != nil {
		return err
	}

	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	var problems []string
	if err := s.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			collectSchemaErrors(ve, &problems)
		} else {
			problems = append(problems, err.Error())
		}
	}

	seen := make(map[string]bool, len(d.Routes))
	for i, r := range d.Routes {
		key := r.Key()
		if seen[key] {
			problems = append(problems, fmt.Sprintf("routes.%d: duplicate route %s", i, key))
		}
		seen[key] = true
		if matching.IsTemplate(r.Path) {
			if _, err := matching.Compile(r.Path); err != nil {
				problems = append(problems, fmt.Sprintf("routes.%d.path: %v", i, err))
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidDefinition, strings.Join(problems, "; "))
	}
	return nil
}

func collectSchemaErrors(err *jsonschema.ValidationError, out *[]string) {
	if len(err.Causes) == 0 {
		field := strings.ReplaceAll(strings.TrimPrefix(err.InstanceLocation, "/"), "/", ".")
		if field == "" {
			*out = append(*out, err.Message)
		} else {
			*out = append(*out, field+": "+err.Message)
		}
		return
	}
	for _, cause := range err.Causes {
		collectSchemaErrors(cause, out)
	}
}
