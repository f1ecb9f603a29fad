// Package tenant loads the client registry that scopes conversations, stream
// admission and comparable catalogs to a widget customer.
package tenant

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Tenant is one widget customer.
type Tenant struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	// AllowedOrigins lists the web origins that may open widget sessions.
	// A single "*" entry allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Registry resolves tenants by client id. Immutable after load.
type Registry struct {
	tenants map[string]Tenant
}

type registryFile struct {
	Tenants []Tenant `yaml:"tenants"`
}

// Load reads the registry from a YAML file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tenant registry: %w", err)
	}
	return Parse(data)
}

// Parse builds a registry from YAML bytes.
func Parse(data []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse tenant registry: %w", err)
	}
	tenants := make(map[string]Tenant, len(file.Tenants))
	for _, t := range file.Tenants {
		id := strings.TrimSpace(t.ID)
		if id == "" {
			return nil, fmt.Errorf("tenant registry entry missing id")
		}
		if _, dup := tenants[id]; dup {
			return nil, fmt.Errorf("duplicate tenant id %q", id)
		}
		t.ID = id
		tenants[id] = t
	}
	return &Registry{tenants: tenants}, nil
}

// Lookup returns the tenant for a client id.
func (r *Registry) Lookup(clientID string) (Tenant, bool) {
	if r == nil {
		return Tenant{}, false
	}
	t, ok := r.tenants[clientID]
	return t, ok
}

// OriginAllowed reports whether origin may open sessions for the client.
// Unknown clients allow nothing. Origins compare case-insensitively on
// scheme and host, as browsers send them.
func (r *Registry) OriginAllowed(clientID, origin string) bool {
	t, ok := r.Lookup(clientID)
	if !ok {
		return false
	}
	origin = normalizeOrigin(origin)
	if origin == "" {
		return false
	}
	for _, allowed := range t.AllowedOrigins {
		if allowed == "*" {
			return true
		}
		if normalizeOrigin(allowed) == origin {
			return true
		}
	}
	return false
}

// AllowedOrigins returns the flattened origin allow-list across all tenants,
// for the CORS layer. A wildcard anywhere collapses the list to "*".
func (r *Registry) AllowedOrigins() []string {
	if r == nil {
		return nil
	}
	seen := map[string]bool{}
	var origins []string
	for _, t := range r.tenants {
		for _, origin := range t.AllowedOrigins {
			if origin == "*" {
				return []string{"*"}
			}
			normalized := normalizeOrigin(origin)
			if normalized == "" || seen[normalized] {
				continue
			}
			seen[normalized] = true
			origins = append(origins, normalized)
		}
	}
	return origins
}

func normalizeOrigin(origin string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(origin)), "/")
}
