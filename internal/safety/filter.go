// Package safety provides operation filtering, confirmation and audit
// logging for GraphQL operations issued through the MCP tools.
package safety

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/jamesprial/gqlwire/internal/config"
)

// ErrOperationDenied is wrapped by Filter.Check when a name is rejected.
var ErrOperationDenied = errors.New("operation not allowed")

// Filter controls which operation names may be executed using an allowlist
// and a denylist. Glob patterns (as understood by filepath.Match) are
// supported in both lists.
//
// Rules:
//   - If both lists are empty (or nil), every operation is allowed.
//   - Denylist always takes priority over the allowlist.
//   - If a non-empty allowlist is present, an operation must match at least
//     one allowlist pattern. Anonymous operations have the empty name and
//     therefore only pass an empty allowlist.
type Filter struct {
	allowlist []string
	denylist  []string
}

// NewFilter constructs a Filter from the provided allowlist and denylist
// pattern slices. Either or both may be nil or empty.
func NewFilter(allowlist, denylist []string) *Filter {
	return &Filter{
		allowlist: allowlist,
		denylist:  denylist,
	}
}

// FilterFromConfig builds a Filter from one section of the safety config.
func FilterFromConfig(cfg config.OperationFilter) *Filter {
	return NewFilter(cfg.Allowlist, cfg.Denylist)
}

// IsAllowed reports whether the operation name is permitted by this filter.
// A nil Filter allows everything.
func (f *Filter) IsAllowed(name string) bool {
	if f == nil {
		return true
	}
	for _, pattern := range f.denylist {
		if matchGlob(pattern, name) {
			return false
		}
	}

	if len(f.allowlist) == 0 {
		return true
	}
	if name == "" {
		return false
	}

	for _, pattern := range f.allowlist {
		if matchGlob(pattern, name) {
			return true
		}
	}

	return false
}

// Check returns an error wrapping ErrOperationDenied when name is not
// allowed.
func (f *Filter) Check(name string) error {
	if f.IsAllowed(name) {
		return nil
	}
	if name == "" {
		return fmt.Errorf("anonymous operation: %w", ErrOperationDenied)
	}
	return fmt.Errorf("operation %q: %w", name, ErrOperationDenied)
}

// matchGlob returns true when name matches the given glob pattern.
// filepath.Match errors (malformed patterns) are treated as non-matching.
func matchGlob(pattern, name string) bool {
	matched, err := filepath.Match(pattern, name)
	if err != nil {
		return false
	}
	return matched
}
