// Package registry is the in-memory catalog of configured packages,
// rebuilt wholesale from an injected configuration source on each reload.
package registry

import (
	"fmt"
	"strings"
	"sync"

	"github.com/iothost/autoupdater/pkg/logger"
)

// Config is one package's immutable configuration (spec §3:
// PackageConfig). Name is derived from the local path basename.
type Config struct {
	Name           string
	RepositoryURL  string
	LocalRepoPath  string
	ComposeSubdir  string // relative; default "./"
	DockerAuthToken string
	RegistryURL    string
}

// ComposeFolderPath is LocalRepoPath joined with ComposeSubdir.
func (c Config) ComposeFolderPath() string {
	subdir := c.ComposeSubdir
	if subdir == "" {
		subdir = "./"
	}
	return strings.TrimSuffix(c.LocalRepoPath, "/") + "/" + strings.TrimPrefix(subdir, "./")
}

// NameFromPath derives a package name from a local repository path's
// basename.
func NameFromPath(localRepoPath string) string {
	trimmed := strings.TrimRight(localRepoPath, "/")
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
		return trimmed[idx+1:]
	}
	return trimmed
}

// Registry is the package registry (C8). It owns the PackageConfig
// instances for their lifetime: created on (re)load, destroyed on the
// next reload.
type Registry struct {
	mu       sync.RWMutex
	packages map[string]Config
	order    []string
	log      logger.Logger
}

// New creates an empty Registry.
func New(log logger.Logger) *Registry {
	if log == nil {
		log = logger.NewNoOp()
	}
	return &Registry{
		packages: map[string]Config{},
		log:      log.With(map[string]interface{}{"component": "registry"}),
	}
}

// Reload replaces the registry's contents with the merge of std (the
// "standard" built-in package set) followed by user (the user-configured
// set), in that order, last-write-wins on name collision; collisions are
// logged at Warn naming both the dropped and kept package. The swap is
// atomic from a reader's perspective: List/Get never observe a partially
// rebuilt registry.
func (r *Registry) Reload(std, user []Config) {
	merged := make(map[string]Config, len(std)+len(user))
	order := make([]string, 0, len(std)+len(user))

	add := func(cfgs []Config) {
		for _, cfg := range cfgs {
			if existing, present := merged[cfg.Name]; present {
				r.log.Warn("package name collision, last write wins", map[string]interface{}{
					"name": cfg.Name, "dropped": existing.RepositoryURL, "kept": cfg.RepositoryURL,
				})
			} else {
				order = append(order, cfg.Name)
			}
			merged[cfg.Name] = cfg
		}
	}
	add(std)
	add(user)

	r.mu.Lock()
	r.packages = merged
	r.order = order
	r.mu.Unlock()
}

// List returns every configured package, in the order first introduced
// across the std-then-user merge.
func (r *Registry) List() []Config {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Config, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.packages[name])
	}
	return out
}

// Get looks up a package by name.
func (r *Registry) Get(name string) (Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.packages[name]
	return cfg, ok
}

// MustGet is a convenience wrapper that returns an error instead of a
// boolean, for callers in an error-returning chain.
func (r *Registry) MustGet(name string) (Config, error) {
	cfg, ok := r.Get(name)
	if !ok {
		return Config{}, fmt.Errorf("registry: no package named %q", name)
	}
	return cfg, nil
}
