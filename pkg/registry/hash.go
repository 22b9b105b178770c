package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// ComputeHash returns the content hash of a route: hex SHA-256 over
// "METHOD|path|targetService|targetMethod|public". Advisory type names,
// roles and ownership are not part of the hash.
func ComputeHash(r RouteDefinition) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		strings.ToUpper(r.HTTPMethod),
		NormalizePath(r.Path),
		r.TargetService,
		r.TargetMethod,
		strconv.FormatBool(r.Public),
	}, "|")))
	return hex.EncodeToString(sum[:])
}
