// Package protoload compiles .proto sources into linked descriptors.
//
// It backs file-based schema sources (services registered with a .proto
// schema instead of server reflection) and the in-process test backend.
package protoload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bufbuild/protocompile"
	"github.com/bufbuild/protocompile/linker"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
)

var (
	// ErrNoProtoFiles is returned when nothing was given to compile.
	ErrNoProtoFiles = errors.New("no proto files provided")

	// ErrServiceNotFound is returned when a service is not declared in the schema.
	ErrServiceNotFound = errors.New("service not found")
)

// Schema is a compiled set of .proto files plus every file they import.
type Schema struct {
	files    []protoreflect.FileDescriptor
	registry *protoregistry.Files
}

// Compile compiles .proto files from disk. When importPaths is empty the
// directory of each file is used as an import path.
func Compile(ctx context.Context, paths []string, importPaths []string) (*Schema, error) {
	if len(paths) == 0 {
		return nil, ErrNoProtoFiles
	}
	if len(importPaths) == 0 {
		seen := make(map[string]bool)
		for _, p := range paths {
			dir := filepath.Dir(p)
			if !seen[dir] {
				seen[dir] = true
				importPaths = append(importPaths, dir)
			}
		}
	}

	names := make([]string, 0, len(paths))
	for _, p := range paths {
		names = append(names, relativeName(p, importPaths))
	}

	compiler := protocompile.Compiler{
		Resolver: protocompile.WithStandardImports(
			protocompile.CompositeResolver{
				&protocompile.SourceResolver{ImportPaths: importPaths},
				&fileSystemResolver{importPaths: importPaths, basePaths: paths},
			},
		),
	}
	return compile(ctx, compiler, names)
}

// CompileSources compiles in-memory sources keyed by file name.
func CompileSources(ctx context.Context, sources map[string]string, names ...string) (*Schema, error) {
	if len(names) == 0 {
		return nil, ErrNoProtoFiles
	}
	compiler := protocompile.Compiler{
		Resolver: protocompile.WithStandardImports(&protocompile.SourceResolver{
			Accessor: protocompile.SourceAccessorFromMap(sources),
		}),
	}
	return compile(ctx, compiler, names)
}

func compile(ctx context.Context, compiler protocompile.Compiler, names []string) (*Schema, error) {
	compiled, err := compiler.Compile(ctx, names...)
	if err != nil {
		return nil, fmt.Errorf("compile proto: %w", err)
	}

	schema := &Schema{
		files:    make([]protoreflect.FileDescriptor, 0, len(compiled)),
		registry: new(protoregistry.Files),
	}
	for _, file := range compiled {
		schema.files = append(schema.files, file)
		if err := register(schema.registry, file); err != nil {
			return nil, err
		}
	}
	return schema, nil
}

// register adds fd and its transitive imports to files, imports first.
func register(files *protoregistry.Files, fd protoreflect.FileDescriptor) error {
	if _, err := files.FindFileByPath(fd.Path()); err == nil {
		return nil
	}
	imports := fd.Imports()
	for i := 0; i < imports.Len(); i++ {
		if err := register(files, imports.Get(i).FileDescriptor); err != nil {
			return err
		}
	}
	if err := files.RegisterFile(fd); err != nil {
		return fmt.Errorf("register %s: %w", fd.Path(), err)
	}
	return nil
}

// Files returns the compiled root files in compile order.
func (s *Schema) Files() []protoreflect.FileDescriptor {
	return s.files
}

// Registry returns a registry holding the root files and their imports.
func (s *Schema) Registry() *protoregistry.Files {
	return s.registry
}

// FindService looks up a service by fully qualified name.
func (s *Schema) FindService(name string) (protoreflect.ServiceDescriptor, error) {
	d, err := s.registry.FindDescriptorByName(protoreflect.FullName(name))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	svc, ok := d.(protoreflect.ServiceDescriptor)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a service", ErrServiceNotFound, name)
	}
	return svc, nil
}

// Services returns the fully qualified names of all services declared in
// the root files, sorted.
func (s *Schema) Services() []string {
	var names []string
	for _, fd := range s.files {
		svcs := fd.Services()
		for i := 0; i < svcs.Len(); i++ {
			names = append(names, string(svcs.Get(i).FullName()))
		}
	}
	sort.Strings(names)
	return names
}

func relativeName(path string, importPaths []string) string {
	for _, dir := range importPaths {
		rel, err := filepath.Rel(dir, path)
		if err == nil && !strings.HasPrefix(rel, "..") {
			return filepath.ToSlash(rel)
		}
	}
	return path
}

// fileSystemResolver falls back to the directories of the requested files
// and finally to the path as given.
type fileSystemResolver struct {
	importPaths []string
	basePaths   []string
}

func (r *fileSystemResolver) FindFileByPath(path string) (protocompile.SearchResult, error) {
	candidates := make([]string, 0, len(r.importPaths)+len(r.basePaths)+1)
	for _, dir := range r.importPaths {
		candidates = append(candidates, filepath.Join(dir, path))
	}
	for _, base := range r.basePaths {
		candidates = append(candidates, filepath.Join(filepath.Dir(base), path))
	}
	candidates = append(candidates, path)

	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		rc, err := readFile(candidate)
		if err != nil {
			return protocompile.SearchResult{}, err
		}
		return protocompile.SearchResult{Source: rc}, nil
	}
	return protocompile.SearchResult{}, fs.ErrNotExist
}

func readFile(path string) (io.ReadCloser, error) {
	return os.Open(path)
}

var _ protoreflect.FileDescriptor = (linker.File)(nil)
