package invoker

import (
	"bytes"
	"encoding/json"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"google.golang.org/protobuf/reflect/protoreflect"
)

var numericPattern = regexp.MustCompile(`^-?(0|[1-9][0-9]*)(\.[0-9]+)?([eE][+-]?[0-9]+)?$`)

// MergeParams flattens query parameters and path variables into one
// parameter set. Path variables win on collision.
func MergeParams(query url.Values, vars map[string]string) map[string][]string {
	out := make(map[string][]string, len(query)+len(vars))
	for k, v := range query {
		if len(v) > 0 {
			out[k] = v
		}
	}
	for k, v := range vars {
		out[k] = []string{v}
	}
	return out
}

// Sniff infers a JSON value from a raw string: numeric literals become
// numbers, true/false (any case) become booleans, everything else stays a
// string.
func Sniff(s string) any {
	if numericPattern.MatchString(s) {
		return json.Number(s)
	}
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}
	return s
}

// CamelToSnake converts camelCase or PascalCase to snake_case. Runs of
// capitals are kept together: "HTTPStatus" becomes "http_status".
func CamelToSnake(s string) string {
	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// lookupField finds a field by proto name, JSON name, or the snake_case
// form of name.
func lookupField(md protoreflect.MessageDescriptor, name string) protoreflect.FieldDescriptor {
	fields := md.Fields()
	if fd := fields.ByName(protoreflect.Name(name)); fd != nil {
		return fd
	}
	if fd := fields.ByJSONName(name); fd != nil {
		return fd
	}
	return fields.ByName(protoreflect.Name(CamelToSnake(name)))
}

// coerce converts raw parameter values to the JSON shape protojson expects
// for fd. A nil fd sniffs.
func coerce(fd protoreflect.FieldDescriptor, values []string) any {
	if fd == nil {
		return Sniff(values[0])
	}
	if fd.IsList() {
		list := make([]any, 0, len(values))
		for _, v := range values {
			list = append(list, coerceScalar(fd, v))
		}
		return list
	}
	return coerceScalar(fd, values[0])
}

func coerceScalar(fd protoreflect.FieldDescriptor, v string) any {
	switch fd.Kind() {
	case protoreflect.StringKind, protoreflect.BytesKind:
		return v
	case protoreflect.EnumKind:
		if numericPattern.MatchString(v) {
			return json.Number(v)
		}
		return v
	case protoreflect.BoolKind:
		switch strings.ToLower(v) {
		case "true":
			return true
		case "false":
			return false
		}
		return v
	case protoreflect.MessageKind, protoreflect.GroupKind:
		// Well-known wrappers and timestamps accept their scalar JSON form.
		return Sniff(v)
	default:
		if numericPattern.MatchString(v) {
			return json.Number(v)
		}
		return v
	}
}

// synthesize builds a JSON object from parameters. Names may be dotted to
// reach nested message fields ("maxPrice.units=5").
func synthesize(md protoreflect.MessageDescriptor, params map[string][]string) map[string]any {
	obj := make(map[string]any)
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		setPath(obj, md, strings.Split(name, "."), params[name])
	}
	return obj
}

func setPath(obj map[string]any, md protoreflect.MessageDescriptor, path []string, values []string) {
	var fd protoreflect.FieldDescriptor
	if md != nil {
		fd = lookupField(md, path[0])
	}
	key := CamelToSnake(path[0])
	if fd != nil {
		key = string(fd.Name())
	}

	if len(path) == 1 {
		obj[key] = coerce(fd, values)
		return
	}

	var child protoreflect.MessageDescriptor
	if fd != nil && fd.Message() != nil && !fd.IsList() && !fd.IsMap() {
		child = fd.Message()
	}
	nested, ok := obj[key].(map[string]any)
	if !ok {
		nested = make(map[string]any)
		obj[key] = nested
	}
	setPath(nested, child, path[1:], values)
}

// hasField reports whether body sets fd under any accepted name.
func hasField(body map[string]any, fd protoreflect.FieldDescriptor, raw string) bool {
	for _, k := range []string{string(fd.Name()), fd.JSONName(), raw} {
		if _, ok := body[k]; ok {
			return true
		}
	}
	return false
}

// buildRequest produces the JSON request for the input type md.
//
// With a body, path variables are injected for fields the body leaves
// unset and other parameters are ignored. Without a body the request is
// synthesized from every parameter, or is {} when there are none.
func buildRequest(md protoreflect.MessageDescriptor, body []byte, params map[string][]string, vars map[string]string) ([]byte, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		if len(params) == 0 {
			return []byte("{}"), nil
		}
		return json.Marshal(synthesize(md, params))
	}

	if len(vars) == 0 || body[0] != '{' {
		return body, nil
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	injected := false
	for name, value := range vars {
		fd := lookupField(md, name)
		if fd == nil || hasField(obj, fd, name) {
			continue
		}
		obj[string(fd.Name())] = coerce(fd, []string{value})
		injected = true
	}
	if !injected {
		return body, nil
	}
	return json.Marshal(obj)
}
