// Package registry holds the container metadata collaborator: the mapping
// from a 32-byte on-chain container id to the locally configured container
// definition (image, port, resource limits). Every declared container is
// kept in the registry's maps; only the id lookup cache in front of them is
// LRU-bounded, at 256 entries (SPEC_FULL.md "Container Supervisor").
package registry

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hpp-io/noosphere-agent/internal/chain"
)

// ContainerSpec is the locally configured definition of a supported
// container, keyed by its on-chain id hash.
type ContainerSpec struct {
	Name        string
	Image       string
	Port        int
	MemoryLimit string // e.g. "512m", "2g"
	CPULimit    float64
	GPU         bool
	Persistent  bool
	Network     string // joined network name in orchestrated mode
}

// Registry resolves container ids to specs, backed by an LRU cache keyed by
// id hash so repeated lookups during cron/handler ticks don't re-walk the
// full configuration map.
type Registry struct {
	byID   map[[32]byte]ContainerSpec
	byName map[string]ContainerSpec
	cache  *lru.Cache[[32]byte, ContainerSpec]

	lastLoaded map[string]ContainerSpec // retained so Reload(ctx) can re-apply it
}

// Load builds a Registry from a name->spec configuration map, hashing each
// name into the on-chain container id the same way the chain package does
// (chain.ContainerIDHash), so supervisor lookups and chain events agree.
func Load(containers map[string]ContainerSpec) (*Registry, error) {
	cache, err := lru.New[[32]byte, ContainerSpec](256)
	if err != nil {
		return nil, err
	}
	r := &Registry{
		byID:   make(map[[32]byte]ContainerSpec, len(containers)),
		byName: make(map[string]ContainerSpec, len(containers)),
		cache:  cache,
	}
	if err := r.reload(containers); err != nil {
		return nil, err
	}
	r.lastLoaded = containers
	return r, nil
}

func (r *Registry) reload(containers map[string]ContainerSpec) error {
	for name, spec := range containers {
		spec.Name = name
		id, err := chain.ContainerIDHash(name)
		if err != nil {
			return err
		}
		r.byID[id] = spec
		r.byName[name] = spec
		r.cache.Add(id, spec)
	}
	return nil
}

// ReloadFrom replaces the registry's contents in place with a new
// configuration map, used when the host process receives a config-reload
// signal carrying updated container definitions.
func (r *Registry) ReloadFrom(containers map[string]ContainerSpec) error {
	r.byID = make(map[[32]byte]ContainerSpec, len(containers))
	r.byName = make(map[string]ContainerSpec, len(containers))
	r.cache.Purge()
	if err := r.reload(containers); err != nil {
		return err
	}
	r.lastLoaded = containers
	return nil
}

// Reload implements handler.Reloader: it re-applies the last configuration
// that was loaded, used as a recovery action by the health-check loop when
// it finds zero containers running (it can't supply a new container list,
// only ask the registry to recompute from what it already knows).
func (r *Registry) Reload(ctx context.Context) error {
	return r.ReloadFrom(r.lastLoaded)
}

// Get returns the spec for a given on-chain container id.
func (r *Registry) Get(id [32]byte) (ContainerSpec, bool) {
	if spec, ok := r.cache.Get(id); ok {
		return spec, true
	}
	spec, ok := r.byID[id]
	if ok {
		r.cache.Add(id, spec)
	}
	return spec, ok
}

// Supports implements scheduler.ContainerSupport.
func (r *Registry) Supports(id [32]byte) bool {
	_, ok := r.Get(id)
	return ok
}

// Stats reports registry sizing (SPEC_FULL.md Container Supervisor section).
type Stats struct {
	Declared int
	Cached   int
}

func (r *Registry) Stats() Stats {
	return Stats{Declared: len(r.byID), Cached: r.cache.Len()}
}
