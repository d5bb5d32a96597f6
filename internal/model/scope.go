package model

import (
	"fmt"
	"slices"
	"strings"
)

// Scope is a named permission tag gating a category of operations.
type Scope string

const (
	ScopeReadOnly       Scope = "read_only"
	ScopeWriteOnly      Scope = "write_only"
	ScopeReadWrite      Scope = "read_write"
	ScopeAdmin          Scope = "admin"
	ScopeWebhook        Scope = "webhook"
	ScopePayment        Scope = "payment"
	ScopeBilling        Scope = "billing"
	ScopeUserManagement Scope = "user_management"
)

// AllScopes lists every known scope in a stable order.
var AllScopes = []Scope{
	ScopeReadOnly,
	ScopeWriteOnly,
	ScopeReadWrite,
	ScopeAdmin,
	ScopeWebhook,
	ScopePayment,
	ScopeBilling,
	ScopeUserManagement,
}

// ParseScope converts a string into a known Scope.
func ParseScope(s string) (Scope, error) {
	sc := Scope(strings.ToLower(strings.TrimSpace(s)))
	if !slices.Contains(AllScopes, sc) {
		return "", fmt.Errorf("unknown scope %q", s)
	}
	return sc, nil
}

// ParseScopes parses and de-duplicates a list of scope names. Order of first
// appearance is kept.
func ParseScopes(values []string) ([]Scope, error) {
	out := make([]Scope, 0, len(values))
	for _, v := range values {
		sc, err := ParseScope(v)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(out, sc) {
			out = append(out, sc)
		}
	}
	return out, nil
}

// ScopeSet is a set of scopes.
type ScopeSet map[Scope]struct{}

// NewScopeSet builds a set from a slice.
func NewScopeSet(scopes ...Scope) ScopeSet {
	set := make(ScopeSet, len(scopes))
	for _, s := range scopes {
		set[s] = struct{}{}
	}
	return set
}

// Has reports membership.
func (s ScopeSet) Has(sc Scope) bool {
	_, ok := s[sc]
	return ok
}

// HasRequired reports whether granted satisfies required: admin grants
// everything, otherwise every required scope must be present. An empty
// required set always passes.
func HasRequired(granted, required []Scope) bool {
	set := NewScopeSet(granted...)
	if set.Has(ScopeAdmin) {
		return true
	}
	for _, r := range required {
		if !set.Has(r) {
			return false
		}
	}
	return true
}

// ScopeStrings converts scopes to plain strings.
func ScopeStrings(scopes []Scope) []string {
	out := make([]string, len(scopes))
	for i, s := range scopes {
		out[i] = string(s)
	}
	return out
}
