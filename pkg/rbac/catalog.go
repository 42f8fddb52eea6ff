package rbac

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

// CatalogSpec is the declarative permission catalog and system role set.
type CatalogSpec struct {
	Resources   []ResourceSpec   `yaml:"resources"`
	SystemRoles []SystemRoleSpec `yaml:"system_roles"`
}

// ResourceSpec lists the actions of one resource type.
type ResourceSpec struct {
	Type    string   `yaml:"type"`
	Actions []string `yaml:"actions"`
}

// SystemRoleSpec describes a role seeded into every organization.
type SystemRoleSpec struct {
	Code        string   `yaml:"code"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Level       int      `yaml:"level"`
	Grants      []string `yaml:"grants"`
}

// DefaultCatalog returns the embedded catalog.
func DefaultCatalog() *CatalogSpec {
	spec, err := ParseCatalog(defaultCatalogYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded catalog is invalid: %v", err))
	}
	return spec
}

// LoadCatalogFile reads a catalog from path. An empty path yields the
// embedded catalog.
func LoadCatalogFile(path string) (*CatalogSpec, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a catalog document.
func ParseCatalog(data []byte) (*CatalogSpec, error) {
	var spec CatalogSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if err := spec.validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

func (c *CatalogSpec) validate() error {
	if len(c.Resources) == 0 {
		return fmt.Errorf("%w: catalog has no resources", ErrInvalidInput)
	}
	seen := make(map[string]bool)
	for _, r := range c.Resources {
		if r.Type == "" || strings.Contains(r.Type, ":") {
			return fmt.Errorf("%w: invalid resource type %q", ErrInvalidInput, r.Type)
		}
		if seen[r.Type] {
			return fmt.Errorf("%w: duplicate resource type %q", ErrInvalidInput, r.Type)
		}
		seen[r.Type] = true
		if len(r.Actions) == 0 {
			return fmt.Errorf("%w: resource %q has no actions", ErrInvalidInput, r.Type)
		}
		for _, a := range r.Actions {
			if a == "" || strings.Contains(a, ":") {
				return fmt.Errorf("%w: invalid action %q on %q", ErrInvalidInput, a, r.Type)
			}
		}
	}

	codes := make(map[string]bool)
	levels := make(map[int]string)
	perms := c.Permissions()
	for _, role := range c.SystemRoles {
		if role.Code == "" {
			return fmt.Errorf("%w: system role without code", ErrInvalidInput)
		}
		if codes[role.Code] {
			return fmt.Errorf("%w: duplicate system role %q", ErrInvalidInput, role.Code)
		}
		codes[role.Code] = true
		if role.Level <= 0 {
			return fmt.Errorf("%w: system role %q needs a positive level", ErrInvalidInput, role.Code)
		}
		if other, ok := levels[role.Level]; ok {
			return fmt.Errorf("%w: system roles %q and %q share level %d", ErrInvalidInput, other, role.Code, role.Level)
		}
		levels[role.Level] = role.Code
		if _, err := ExpandGrants(role.Grants, perms); err != nil {
			return fmt.Errorf("system role %q: %w", role.Code, err)
		}
	}
	return nil
}

// Permissions returns every built-in permission, one per resource, action and scope.
func (c *CatalogSpec) Permissions() []Permission {
	var perms []Permission
	for _, r := range c.Resources {
		for _, a := range r.Actions {
			for _, s := range AllScopes {
				perms = append(perms, Permission{
					ID:           PermissionKey(r.Type, a, s),
					ResourceType: r.Type,
					Action:       a,
					Scope:        s,
					Description:  fmt.Sprintf("%s %s (%s)", a, r.Type, s),
					BuiltIn:      true,
				})
			}
		}
	}
	return perms
}

// ExpandGrants resolves "resource:action:scope" patterns against perms and
// returns the matching permission ids. "*" matches any resource or action;
// the scope must be exact.
func ExpandGrants(patterns []string, perms []Permission) ([]string, error) {
	var out []string
	added := make(map[string]bool)
	for _, pattern := range patterns {
		parts := strings.Split(pattern, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("%w: malformed grant pattern %q", ErrInvalidInput, pattern)
		}
		scope := Scope(parts[2])
		if !scope.Valid() {
			return nil, fmt.Errorf("%w: grant pattern %q has unknown scope", ErrInvalidInput, pattern)
		}
		matched := false
		for _, p := range perms {
			if p.Scope != scope {
				continue
			}
			if parts[0] != "*" && parts[0] != p.ResourceType {
				continue
			}
			if parts[1] != "*" && parts[1] != p.Action {
				continue
			}
			matched = true
			if !added[p.ID] {
				added[p.ID] = true
				out = append(out, p.ID)
			}
		}
		if !matched {
			return nil, fmt.Errorf("%w: grant pattern %q matches no permission", ErrInvalidInput, pattern)
		}
	}
	return out, nil
}

// Catalog looks permission tuples up in the store with an in-process cache.
// Only hits are cached so a newly registered tuple is visible immediately.
type Catalog struct {
	store *Store
	cache *lru.LRU[string, Permission]
}

// NewCatalog creates a catalog over store caching up to size entries for ttl.
func NewCatalog(store *Store, size int, ttl time.Duration) *Catalog {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Catalog{
		store: store,
		cache: lru.NewLRU[string, Permission](size, nil, ttl),
	}
}

// Lookup returns the permission for the exact tuple, or storage.ErrNotFound.
func (c *Catalog) Lookup(ctx context.Context, resourceType, action string, scope Scope) (*Permission, error) {
	key := PermissionKey(resourceType, action, scope)
	if p, ok := c.cache.Get(key); ok {
		return &p, nil
	}
	p, err := c.store.GetPermission(ctx, key)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, *p)
	return p, nil
}

// Invalidate drops a cached entry after the permission changed.
func (c *Catalog) Invalidate(id string) {
	c.cache.Remove(id)
}

// Sync registers every built-in permission of spec. Existing rows are kept.
// It returns how many permissions were newly inserted.
func (c *Catalog) Sync(ctx context.Context, spec *CatalogSpec, now time.Time) (int, error) {
	inserted := 0
	for _, p := range spec.Permissions() {
		p.CreatedAt = now
		created, err := c.store.InsertPermission(ctx, &p)
		if err != nil {
			return inserted, err
		}
		if created {
			inserted++
		}
	}
	return inserted, nil
}
