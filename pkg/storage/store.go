// Package storage keeps the latest forecast result of each tenant.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/HatiCode/gridcast/pkg/ensemble"
)

// ErrInvalidTenant is returned for an empty or malformed tenant id.
var ErrInvalidTenant = errors.New("invalid tenant id")

// Store holds one snapshot per tenant. A Put replaces the previous snapshot.
type Store interface {
	Put(ctx context.Context, result *ensemble.Result) error
	GetLatest(ctx context.Context, tenant string) (*ensemble.Result, bool, error)
}

// ValidateTenant accepts ids made of letters, digits, hyphens and underscores.
func ValidateTenant(tenant string) error {
	if tenant == "" {
		return fmt.Errorf("%w: tenant cannot be empty", ErrInvalidTenant)
	}
	for _, c := range tenant {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9') || c == '-' || c == '_') {
			return fmt.Errorf("%w %q: only alphanumeric, hyphens, and underscores allowed", ErrInvalidTenant, tenant)
		}
	}
	return nil
}
