package providers

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/nangohq/nango/pkg/auth"
)

//go:embed providers.yaml
var defaultProvidersYAML []byte

// Registry is the read-only provider lookup shared by the whole process.
// All aliases are resolved and all descriptors validated at load time.
type Registry struct {
	providers map[string]*Provider
}

// Load parses a providers.yaml document, resolves aliases transitively, and
// validates every descriptor.
func Load(data []byte) (*Registry, error) {
	raw := map[string]*Provider{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing providers file: %w", err)
	}

	for name, p := range raw {
		if p == nil {
			return nil, fmt.Errorf("provider %s: empty entry", name)
		}
		p.Name = name
	}

	resolved := make(map[string]*Provider, len(raw))
	for name := range raw {
		p, err := resolveAlias(raw, name, nil)
		if err != nil {
			return nil, err
		}
		if err := p.validate(); err != nil {
			return nil, err
		}
		resolved[name] = p
	}

	return &Registry{providers: resolved}, nil
}

// LoadFile reads a providers.yaml from disk.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("reading providers file: %w", err)
	}
	return Load(data)
}

// LoadDefault loads the registry embedded in the binary.
func LoadDefault() (*Registry, error) {
	return Load(defaultProvidersYAML)
}

// resolveAlias follows alias chains, overlaying fields set on each alias
// entry over its target. The trail guards against cycles.
func resolveAlias(raw map[string]*Provider, name string, trail []string) (*Provider, error) {
	p, ok := raw[name]
	if !ok {
		return nil, fmt.Errorf("provider %s: alias target %q does not exist", lastOr(trail, name), name)
	}
	for _, seen := range trail {
		if seen == name {
			return nil, fmt.Errorf("provider %s: alias cycle through %q", trail[0], name)
		}
	}
	if p.Alias == "" {
		out := *p
		return &out, nil
	}

	base, err := resolveAlias(raw, p.Alias, append(trail, name))
	if err != nil {
		return nil, err
	}

	merged := *p
	if err := mergo.Merge(&merged, *base); err != nil {
		return nil, fmt.Errorf("provider %s: resolving alias: %w", name, err)
	}
	// mergo cannot reach TokenURL's unexported fields.
	if merged.TokenURL.IsZero() {
		merged.TokenURL = base.TokenURL
	}
	merged.Name = name
	merged.Alias = p.Alias
	return &merged, nil
}

func lastOr(trail []string, fallback string) string {
	if len(trail) == 0 {
		return fallback
	}
	return trail[len(trail)-1]
}

// Get returns the descriptor for a provider id. Descriptors are shared and
// must be treated as read-only.
func (r *Registry) Get(name string) (*Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, auth.NewErrorf(auth.CodeUnknownProviderTemplate, "unknown provider %q", name)
	}
	return p, nil
}

// Names returns all provider ids in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of loaded providers.
func (r *Registry) Len() int {
	return len(r.providers)
}
