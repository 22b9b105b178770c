package api

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/getmockd/rpcgate/pkg/httputil"
	"github.com/getmockd/rpcgate/pkg/registry"
)

// BuildOpenAPI renders routes as an OpenAPI 3 document. Request and
// response bodies are free-form objects since schemas are only known at
// call time.
func BuildOpenAPI(routes []*registry.ResolvedRoute, version string) *openapi3.T {
	doc := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:       "rpcgate routes",
			Description: "Routes currently served by the gateway.",
			Version:     version,
		},
		Paths: openapi3.NewPaths(),
	}

	errorSchema := openapi3.NewObjectSchema().
		WithProperty("error", openapi3.NewStringSchema()).
		WithProperty("message", openapi3.NewStringSchema())
	tags := map[string]bool{}

	for _, rr := range routes {
		path, params := openAPIPath(rr.Route.Path)
		item := doc.Paths.Value(path)
		if item == nil {
			item = &openapi3.PathItem{}
			doc.Paths.Set(path, item)
		}

		op := openapi3.NewOperation()
		op.OperationID = operationID(rr)
		op.Summary = rr.Route.FullMethod()
		op.Tags = []string{rr.Service.Name}
		tags[rr.Service.Name] = true
		for _, p := range params {
			op.AddParameter(openapi3.NewPathParameter(p).WithSchema(openapi3.NewStringSchema()))
		}
		if hasBody(rr.Route.HTTPMethod) {
			op.RequestBody = &openapi3.RequestBodyRef{
				Value: openapi3.NewRequestBody().WithJSONSchema(openapi3.NewObjectSchema()),
			}
		}
		op.AddResponse(http.StatusOK, openapi3.NewResponse().
			WithDescription("Backend response").
			WithJSONSchema(openapi3.NewObjectSchema()))
		op.AddResponse(0, openapi3.NewResponse().
			WithDescription("Gateway or backend error").
			WithJSONSchema(errorSchema))

		item.SetOperation(strings.ToUpper(rr.Route.HTTPMethod), op)
	}

	names := make([]string, 0, len(tags))
	for name := range tags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		doc.Tags = append(doc.Tags, &openapi3.Tag{Name: name})
	}
	return doc
}

// openAPIPath converts a route template to OpenAPI path syntax and returns
// its parameter names. Trailing wildcards become a named parameter.
func openAPIPath(template string) (string, []string) {
	parts := strings.Split(strings.Trim(template, "/"), "/")
	var params []string
	for i, part := range parts {
		switch {
		case part == "*" || part == "**":
			parts[i] = "{wildcard}"
			params = append(params, "wildcard")
		case strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}"):
			name := strings.TrimSuffix(part[1:len(part)-1], "...")
			parts[i] = "{" + name + "}"
			params = append(params, name)
		}
	}
	return "/" + strings.Join(parts, "/"), params
}

func operationID(rr *registry.ResolvedRoute) string {
	return fmt.Sprintf("%s_%s_%s", rr.Service.Name, strings.ToLower(rr.Route.HTTPMethod), rr.Route.TargetMethod)
}

func hasBody(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	doc := BuildOpenAPI(s.gw.Registry().ListRoutes(), s.version)
	if err := doc.Validate(r.Context()); err != nil {
		s.log.Warn("generated OpenAPI document does not validate", "error", err)
	}
	data, err := doc.MarshalJSON()
	if err != nil {
		s.log.Error("failed to encode OpenAPI document", "error", err)
		httputil.WriteInternalError(w, codeInternal, msgInternal)
		return
	}
	httputil.WriteRawJSON(w, http.StatusOK, data)
}
