package rconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roolet-io/roolet/internal/registry"
)

// MethodManifest is the supplemented declarative method-surface file
// (SPEC_FULL.md "Declarative method manifest"), modeled on cellorg's
// pool.yaml/cells.yaml capability manifests: a worker process declares
// the methods it intends to expose, and application code later supplies
// the handler via registry.Bind.
type MethodManifest struct {
	Methods []ManifestMethod `yaml:"methods"`
}

// ManifestMethod is one declared method entry.
type ManifestMethod struct {
	Name          string `yaml:"name"`
	TimeoutMillis int    `yaml:"timeout_ms"`
	WantsProgress *bool  `yaml:"wants_progress"`
	WantsLogger   *bool  `yaml:"wants_logger"`
}

// ManifestEnvVar is the environment variable naming the manifest file,
// used by LoadManifest when its path argument is empty.
const ManifestEnvVar = "ROOLET_METHODS"

// LoadManifest reads a YAML method manifest from path, or from the
// ROOLET_METHODS environment variable if path is empty. A missing path
// (both arguments empty) is not an error — the manifest is optional.
func LoadManifest(path string) (*MethodManifest, error) {
	if path == "" {
		path = os.Getenv(ManifestEnvVar)
	}
	if path == "" {
		return &MethodManifest{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rconfig: reading method manifest %s: %w", path, err)
	}

	var m MethodManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("rconfig: parsing method manifest %s: %w", path, err)
	}
	return &m, nil
}

// Apply pre-populates reg with an options-only entry for every manifest
// method (no handler yet — application code supplies it later via
// reg.Bind). Methods are registered before the registry is sealed, so
// this must run before the session reaches Active.
func (m *MethodManifest) Apply(reg *registry.Registry) error {
	for _, entry := range m.Methods {
		opts := registry.DefaultOptions
		if entry.TimeoutMillis > 0 {
			opts.Timeout = time.Duration(entry.TimeoutMillis) * time.Millisecond
		}
		if entry.WantsProgress != nil {
			opts.WantsProgress = entry.WantsProgress
		}
		if entry.WantsLogger != nil {
			opts.WantsLogger = entry.WantsLogger
		}
		if err := reg.Set(entry.Name, nil, opts); err != nil {
			return fmt.Errorf("rconfig: registering manifest method %q: %w", entry.Name, err)
		}
	}
	return nil
}
