// Package matching implements the path templates used by gateway routes.
//
// A template is a slash-separated path in which a segment may be a named
// variable or, in the last position only, a wildcard:
//
//   - Literal: "/api/widgets" matches only "/api/widgets"
//   - Variable: "/api/widgets/{id}" matches "/api/widgets/42" and binds id=42
//   - Trailing wildcard: "/files/*" matches "/files", "/files/a" and "/files/a/b"
//   - Named trailing wildcard: "/files/{rest...}" matches like "*" and binds rest
//
// A variable always consumes exactly one non-empty segment, so a path with a
// different segment count than a wildcard-free template never matches.
package matching
