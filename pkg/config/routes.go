package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/getmockd/rpcgate/pkg/registry"
)

// RouteFile is one static route file: a single service definition or a
// list of them.
type RouteFile struct {
	Services []registry.ServiceDefinition
}

// UnmarshalYAML accepts a mapping or a sequence of mappings.
func (f *RouteFile) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.SequenceNode {
		return node.Decode(&f.Services)
	}
	var def registry.ServiceDefinition
	if err := node.Decode(&def); err != nil {
		return err
	}
	f.Services = []registry.ServiceDefinition{def}
	return nil
}

// UnmarshalJSON accepts an object or an array of objects.
func (f *RouteFile) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		return json.Unmarshal(data, &f.Services)
	}
	var def registry.ServiceDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return err
	}
	f.Services = []registry.ServiceDefinition{def}
	return nil
}

// LoadRouteFile reads the service definitions in one file.
func LoadRouteFile(path string) ([]registry.ServiceDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read route file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyFile, path)
	}

	var f RouteFile
	if isYAML(path) {
		err = yaml.Unmarshal(data, &f)
	} else {
		err = json.Unmarshal(data, &f)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f.Services, nil
}

// ExpandRouteGlobs resolves patterns relative to baseDir and returns the
// matching files, sorted and without duplicates. Patterns support ** for
// recursive matching.
func ExpandRouteGlobs(baseDir string, patterns []string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, pattern := range patterns {
		if !filepath.IsAbs(pattern) && baseDir != "" {
			pattern = filepath.Join(baseDir, pattern)
		}
		matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("expanding glob pattern %q: %w", pattern, err)
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// LoadStaticRoutes loads every service definition matched by patterns. A
// service defined in several files keeps the definition from the file that
// sorts last.
func LoadStaticRoutes(baseDir string, patterns []string) ([]registry.ServiceDefinition, error) {
	files, err := ExpandRouteGlobs(baseDir, patterns)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]registry.ServiceDefinition)
	var order []string
	for _, file := range files {
		defs, err := LoadRouteFile(file)
		if err != nil {
			return nil, err
		}
		for _, def := range defs {
			if _, ok := byName[def.Name]; !ok {
				order = append(order, def.Name)
			}
			byName[def.Name] = def
		}
	}

	out := make([]registry.ServiceDefinition, 0, len(order))
	for _, name := range order {
		out = append(out, byName[name])
	}
	return out, nil
}
