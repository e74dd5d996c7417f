package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Registry indexes provider manifests discovered under a directory tree,
// keyed by "name@version". It never loads a WASM module; it only reads
// and validates manifest.yaml files, so listing providers is cheap and
// side-effect free.
type Registry struct {
	mu        sync.RWMutex
	loader    *Loader
	manifests map[string]*Manifest

	allowedCapabilities map[string]bool
}

// NewRegistry returns an empty Registry rooted at baseDir.
func NewRegistry(baseDir string) *Registry {
	return &Registry{
		loader:    NewLoader(baseDir),
		manifests: make(map[string]*Manifest),
	}
}

// SetAllowedCapabilities restricts ScanDirectory to manifests whose
// declared capabilities are all in the allowed set. An empty set allows
// everything.
func (r *Registry) SetAllowedCapabilities(capabilities []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allowedCapabilities = make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		r.allowedCapabilities[c] = true
	}
}

// ValidateCapabilities reports an error naming every capability in
// requested that is not in the registry's allowed set. A registry with
// no allowed set configured permits anything.
func (r *Registry) ValidateCapabilities(requested []string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.allowedCapabilities) == 0 {
		return nil
	}
	var denied []string
	for _, c := range requested {
		if !r.allowedCapabilities[c] {
			denied = append(denied, c)
		}
	}
	if len(denied) > 0 {
		return fmt.Errorf("catalog: capabilities not allowed: %v", denied)
	}
	return nil
}

// ScanDirectory walks dir's immediate subdirectories looking for
// manifest.yaml, registering every one that parses, validates, and
// passes capability validation. A subdirectory that fails any of those
// is skipped, not fatal to the scan as a whole.
func (r *Registry) ScanDirectory(dir string) []error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return []error{fmt.Errorf("catalog: read %s: %w", dir, err)}
	}

	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		manifestPath := filepath.Join(dir, entry.Name(), "manifest.yaml")
		if _, err := os.Stat(manifestPath); err != nil {
			continue
		}
		if err := r.register(manifestPath); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (r *Registry) register(manifestPath string) error {
	m, err := r.loader.LoadFromFile(manifestPath)
	if err != nil {
		return err
	}
	if err := r.ValidateCapabilities(m.GetCapabilities()); err != nil {
		return fmt.Errorf("catalog: %s: %w", manifestPath, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.manifests[key(m.Raw.Metadata.Name, m.Raw.Metadata.Version)] = m
	return nil
}

// List returns every registered provider's metadata, sorted by name then
// version.
func (r *Registry) List() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Metadata, 0, len(r.manifests))
	for _, m := range r.manifests {
		out = append(out, m.Raw.Metadata)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out
}

// Get returns the manifest registered for name@version, or the latest
// registered version if version is "" or "latest".
func (r *Registry) Get(name, version string) (*Manifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if version != "" && version != "latest" {
		m, ok := r.manifests[key(name, version)]
		return m, ok
	}

	var latestKey string
	for k := range r.manifests {
		if k == name || hasNamePrefix(k, name) {
			if latestKey == "" || k > latestKey {
				latestKey = k
			}
		}
	}
	if latestKey == "" {
		return nil, false
	}
	return r.manifests[latestKey], true
}

func hasNamePrefix(key, name string) bool {
	prefix := name + "@"
	return len(key) > len(prefix) && key[:len(prefix)] == prefix
}

func key(name, version string) string {
	return name + "@" + version
}
