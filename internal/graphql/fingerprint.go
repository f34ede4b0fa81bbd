package graphql

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

type fingerprintInput struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

// Fingerprint derives the cache key for (query, variables). The query is
// trimmed and the variables are encoded with sorted keys, so the result is
// independent of map iteration order. Variables that cannot be encoded
// fall back to their fmt representation, which also prints maps in
// sorted key order.
func Fingerprint(query string, variables map[string]any) string {
	in := fingerprintInput{Query: strings.TrimSpace(query), Variables: variables}
	if len(in.Variables) == 0 {
		in.Variables = nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		b = []byte(in.Query + "\x00" + fmt.Sprint(variables))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Fingerprint returns the cache key of r.
func (r Request) Fingerprint() string {
	return Fingerprint(r.Query, r.Variables)
}
