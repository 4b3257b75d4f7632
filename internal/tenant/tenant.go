// Package tenant provides tenant key validation and per-tenant namespace
// naming for multi-tenant isolation.
//
// Every tenant (one hospital client, e.g. "client_a") owns an isolated
// namespace in the artifact store and the vector index. Isolation is
// enforced at the API boundary: every store and index operation takes an
// explicit tenant key, and an empty or malformed key fails closed with
// ErrInvalidTenant rather than matching everything.
package tenant

import (
	"errors"
	"fmt"
	"regexp"
)

// Common errors.
var (
	// ErrInvalidTenant is returned when a tenant key is empty or malformed.
	ErrInvalidTenant = errors.New("invalid tenant key")
)

// keyPattern matches valid tenant keys: lowercase alphanumeric with
// underscores, 1-64 characters. Keys become part of collection and
// namespace names, so the character set is deliberately narrow.
var keyPattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// Validate checks that key is a usable tenant key.
// Fails closed: an empty key is never treated as "all tenants".
func Validate(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key is empty", ErrInvalidTenant)
	}
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q must match %s", ErrInvalidTenant, key, keyPattern.String())
	}
	return nil
}

// EmbeddingCollection returns the vector index collection name for a tenant.
// One collection per tenant keeps similarity queries physically scoped.
func EmbeddingCollection(key string) (string, error) {
	if err := Validate(key); err != nil {
		return "", err
	}
	return key + "_embeddings", nil
}
