package matching

import (
	"errors"
	"fmt"
	"strings"
)

// Template errors.
var (
	ErrEmptyTemplate     = errors.New("path template is empty")
	ErrNotAbsolute       = errors.New("path template must start with '/'")
	ErrBadVariable       = errors.New("malformed path variable")
	ErrDuplicateVariable = errors.New("duplicate path variable")
	ErrWildcardPosition  = errors.New("wildcard must be the last segment")
)

type segmentKind int

const (
	segLiteral segmentKind = iota
	segVariable
	segWildcard
)

type segment struct {
	kind segmentKind
	// value is the literal text, or the variable name ("" for an anonymous wildcard).
	value string
}

// Template is a compiled path template. It is immutable and safe for
// concurrent use.
type Template struct {
	raw      string
	segments []segment
	vars     []string
}

// IsTemplate reports whether pattern contains variables or wildcards.
// Literal paths are routed by exact key lookup and never compiled.
func IsTemplate(pattern string) bool {
	return strings.ContainsAny(pattern, "{*")
}

// Compile parses pattern into a Template.
func Compile(pattern string) (*Template, error) {
	if pattern == "" {
		return nil, ErrEmptyTemplate
	}
	if !strings.HasPrefix(pattern, "/") {
		return nil, fmt.Errorf("%w: %q", ErrNotAbsolute, pattern)
	}

	parts := splitPath(pattern)
	t := &Template{raw: pattern, segments: make([]segment, 0, len(parts))}
	seen := make(map[string]bool)

	for i, part := range parts {
		last := i == len(parts)-1
		switch {
		case part == "*" || part == "**":
			if !last {
				return nil, fmt.Errorf("%w: %q", ErrWildcardPosition, pattern)
			}
			t.segments = append(t.segments, segment{kind: segWildcard})

		case strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}"):
			name := part[1 : len(part)-1]
			kind := segVariable
			if rest, ok := strings.CutSuffix(name, "..."); ok {
				if !last {
					return nil, fmt.Errorf("%w: %q", ErrWildcardPosition, pattern)
				}
				name, kind = rest, segWildcard
			}
			if !validName(name) {
				return nil, fmt.Errorf("%w: %q in %q", ErrBadVariable, part, pattern)
			}
			if seen[name] {
				return nil, fmt.Errorf("%w: %q in %q", ErrDuplicateVariable, name, pattern)
			}
			seen[name] = true
			t.vars = append(t.vars, name)
			t.segments = append(t.segments, segment{kind: kind, value: name})

		case strings.ContainsAny(part, "{}*"):
			return nil, fmt.Errorf("%w: %q in %q", ErrBadVariable, part, pattern)

		default:
			t.segments = append(t.segments, segment{kind: segLiteral, value: part})
		}
	}

	return t, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(pattern string) *Template {
	t, err := Compile(pattern)
	if err != nil {
		panic(err)
	}
	return t
}

// String returns the source pattern.
func (t *Template) String() string { return t.raw }

// Variables returns the variable names in template order.
func (t *Template) Variables() []string {
	out := make([]string, len(t.vars))
	copy(out, t.vars)
	return out
}

// Match reports whether path matches the template and returns the bound
// variables. The returned map is non-nil on a match.
func (t *Template) Match(path string) (map[string]string, bool) {
	parts := splitPath(path)
	vars := make(map[string]string, len(t.vars))

	for i, seg := range t.segments {
		if seg.kind == segWildcard {
			if seg.value != "" {
				vars[seg.value] = strings.Join(parts[i:], "/")
			}
			return vars, true
		}
		if i >= len(parts) {
			return nil, false
		}
		switch seg.kind {
		case segLiteral:
			if parts[i] != seg.value {
				return nil, false
			}
		case segVariable:
			if parts[i] == "" {
				return nil, false
			}
			vars[seg.value] = parts[i]
		}
	}

	if len(parts) != len(t.segments) {
		return nil, false
	}
	return vars, true
}

// MatchPath reports whether path matches pattern. Invalid patterns never match.
func MatchPath(pattern, path string) bool {
	if !IsTemplate(pattern) {
		return trimSlashes(pattern) == trimSlashes(path)
	}
	t, err := Compile(pattern)
	if err != nil {
		return false
	}
	_, ok := t.Match(path)
	return ok
}

// ExtractVariables returns the variable bindings of path against pattern.
// It returns an empty map when the path does not match.
//
//   - pattern "/users/{id}" with path "/users/123" returns {"id": "123"}
//   - pattern "/files/{rest...}" with path "/files/a/b" returns {"rest": "a/b"}
func ExtractVariables(pattern, path string) map[string]string {
	t, err := Compile(pattern)
	if err != nil {
		return map[string]string{}
	}
	vars, ok := t.Match(path)
	if !ok {
		return map[string]string{}
	}
	return vars
}

func splitPath(p string) []string {
	p = trimSlashes(p)
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func trimSlashes(p string) string {
	return strings.Trim(p, "/")
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
		case i > 0 && (r >= '0' && r <= '9' || r == '.' || r == '-'):
		default:
			return false
		}
	}
	return true
}
