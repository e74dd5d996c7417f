// Package catalog discovers and describes provider plugins ahead of a
// run: each provider directory carries a manifest.yaml naming the
// provider, its entrypoint WASM module, and (optionally) a checksum, so
// `mashin providers` can list what is available without loading any
// WASM at all. Loading the module itself, once a run actually needs it,
// is pkg/plugin's job.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/mashin-run/mashin/pkg/plugin"
)

// Metadata describes a provider independent of any loaded module.
type Metadata struct {
	Name         string   `yaml:"name" validate:"required"`
	Version      string   `yaml:"version" validate:"required"`
	Author       string   `yaml:"author" validate:"required"`
	License      string   `yaml:"license" validate:"required"`
	Description  string   `yaml:"description"`
	Capabilities []string `yaml:"capabilities,omitempty"`
}

// ProviderManifest is the YAML shape of a provider's manifest.yaml.
type ProviderManifest struct {
	Metadata   Metadata `yaml:"metadata" validate:"required"`
	Entrypoint string   `yaml:"entrypoint" validate:"required"`
	Checksum   string   `yaml:"checksum,omitempty"`
}

// Manifest is a parsed, path-resolved provider manifest.
type Manifest struct {
	Raw      *ProviderManifest
	Path     string
	WasmPath string
	Verified bool
}

var validate = validator.New()

// Loader loads provider manifests from a base directory.
type Loader struct {
	BaseDir string
}

// NewLoader returns a Loader resolving relative entrypoints against baseDir.
func NewLoader(baseDir string) *Loader {
	return &Loader{BaseDir: baseDir}
}

// LoadFromFile parses and validates the manifest at path, resolving its
// WASM entrypoint path relative to path's directory.
func (l *Loader) LoadFromFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read manifest: %w", err)
	}

	var raw ProviderManifest
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("catalog: parse manifest YAML: %w", err)
	}
	if err := validate.Struct(&raw); err != nil {
		return nil, fmt.Errorf("catalog: invalid manifest %s: %w", path, err)
	}

	m := &Manifest{Raw: &raw, Path: path}
	if err := l.resolveWasmPath(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (l *Loader) resolveWasmPath(m *Manifest) error {
	if filepath.IsAbs(m.Raw.Entrypoint) {
		m.WasmPath = m.Raw.Entrypoint
	} else if m.Path != "" {
		m.WasmPath = filepath.Join(filepath.Dir(m.Path), m.Raw.Entrypoint)
	} else {
		m.WasmPath = filepath.Join(l.BaseDir, m.Raw.Entrypoint)
	}

	if _, err := os.Stat(m.WasmPath); err != nil {
		return fmt.Errorf("catalog: WASM module not found at %s: %w", m.WasmPath, err)
	}
	return nil
}

// VerifyChecksum checks wasmModule's SHA-256 against the manifest's
// declared checksum, recording the result in m.Verified. A manifest with
// no checksum is treated as unverifiable, not as a failure.
func (m *Manifest) VerifyChecksum(wasmModule []byte) error {
	if m.Raw.Checksum == "" {
		return nil
	}
	ok, err := plugin.VerifyChecksum(wasmModule, m.Raw.Checksum)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	if !ok {
		return fmt.Errorf("catalog: WASM module checksum mismatch for %s", m.Raw.Metadata.Name)
	}
	m.Verified = true
	return nil
}

// GetCapabilities returns the capabilities the manifest declares.
func (m *Manifest) GetCapabilities() []string {
	return m.Raw.Metadata.Capabilities
}
