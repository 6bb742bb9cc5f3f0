package model

import (
	"fmt"
	"regexp"
	"strings"
)

// NetworkPrefix marks resource identifiers that name a tenant network.
const NetworkPrefix = "network/"

var identRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// ResourceKey identifies one reconciled unit: a tenant and one of its resources.
// Network resources use the form "network/<provider>".
type ResourceKey struct {
	Tenant   string `json:"tenant"`
	Resource string `json:"resource"`
}

func NewResourceKey(tenant, resource string) (ResourceKey, error) {
	k := ResourceKey{Tenant: tenant, Resource: resource}
	if err := k.Validate(); err != nil {
		return ResourceKey{}, err
	}
	return k, nil
}

// NetworkKey returns the key of the tenant's network for the given provider.
func NetworkKey(tenant, provider string) ResourceKey {
	return ResourceKey{Tenant: tenant, Resource: NetworkPrefix + provider}
}

func (k ResourceKey) IsNetwork() bool {
	return strings.HasPrefix(k.Resource, NetworkPrefix)
}

// Provider returns the provider segment of a network key, or "" for services.
func (k ResourceKey) Provider() string {
	if !k.IsNetwork() {
		return ""
	}
	return strings.TrimPrefix(k.Resource, NetworkPrefix)
}

func (k ResourceKey) String() string {
	return k.Tenant + "/" + k.Resource
}

// Validate rejects identifiers that could escape the storage prefix or the
// local working directory.
func (k ResourceKey) Validate() error {
	if err := ValidateIdent(k.Tenant); err != nil {
		return fmt.Errorf("tenant: %w", err)
	}
	if k.IsNetwork() {
		if err := ValidateIdent(k.Provider()); err != nil {
			return fmt.Errorf("network provider: %w", err)
		}
		return nil
	}
	if err := ValidateIdent(k.Resource); err != nil {
		return fmt.Errorf("resource: %w", err)
	}
	if k.Resource+"/" == NetworkPrefix {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidIdentifier, k.Resource)
	}
	return nil
}

// ValidateIdent checks a single path segment used as tenant, resource or provider.
func ValidateIdent(s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty", ErrInvalidIdentifier)
	}
	if s == "." || s == ".." || strings.Contains(s, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, s)
	}
	if !identRegex.MatchString(s) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, s)
	}
	return nil
}
