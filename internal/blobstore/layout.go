package blobstore

import (
	"context"
	"sort"
	"strings"

	"github.com/msageha/tofud/internal/model"
)

const (
	RootPrefix   = "clients/"
	InfoFile     = "info.json"
	ConfigFile   = "config.json"
	StateFile    = "terraform.tfstate"
	networkGroup = "network"
)

func TenantPrefix(tenant string) string {
	return RootPrefix + tenant + "/"
}

// ResourcePrefix is the storage prefix owning everything about key.
func ResourcePrefix(key model.ResourceKey) string {
	return TenantPrefix(key.Tenant) + key.Resource + "/"
}

func InfoKey(key model.ResourceKey) string   { return ResourcePrefix(key) + InfoFile }
func ConfigKey(key model.ResourceKey) string { return ResourcePrefix(key) + ConfigFile }
func StateKey(key model.ResourceKey) string  { return ResourcePrefix(key) + StateFile }

// ParseObjectKey splits an object name into the resource it belongs to and
// the path relative to that resource's prefix.
func ParseObjectKey(object string) (model.ResourceKey, string, bool) {
	rest, ok := strings.CutPrefix(object, RootPrefix)
	if !ok {
		return model.ResourceKey{}, "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) < 3 {
		return model.ResourceKey{}, "", false
	}
	tenant, resource := parts[0], parts[1]
	tail := parts[2:]
	if resource == networkGroup {
		if len(parts) < 4 {
			return model.ResourceKey{}, "", false
		}
		resource = model.NetworkPrefix + parts[2]
		tail = parts[3:]
	}
	key := model.ResourceKey{Tenant: tenant, Resource: resource}
	if key.Validate() != nil {
		return model.ResourceKey{}, "", false
	}
	rel := strings.Join(tail, "/")
	if rel == "" {
		return model.ResourceKey{}, "", false
	}
	return key, rel, true
}

// ListTenants returns every tenant that owns at least one object.
func ListTenants(ctx context.Context, s Store) ([]string, error) {
	objects, err := s.List(ctx, RootPrefix)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	for _, o := range objects {
		key, _, ok := ParseObjectKey(o)
		if !ok || seen[key.Tenant] {
			continue
		}
		seen[key.Tenant] = true
		out = append(out, key.Tenant)
	}
	sort.Strings(out)
	return out, nil
}

// ListResources returns the distinct resources stored for tenant, networks
// included.
func ListResources(ctx context.Context, s Store, tenant string) ([]model.ResourceKey, error) {
	objects, err := s.List(ctx, TenantPrefix(tenant))
	if err != nil {
		return nil, err
	}
	seen := make(map[model.ResourceKey]bool)
	var out []model.ResourceKey
	for _, o := range objects {
		key, _, ok := ParseObjectKey(o)
		if !ok || key.Tenant != tenant || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Resource < out[j].Resource })
	return out, nil
}
