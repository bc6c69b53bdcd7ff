package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/agentmesh/orchestrator/internal/plan"
)

// ManifestEntry is one statically declared agent in an operator-supplied
// registration file, loaded at startup before dynamic registration and
// health probing take over.
type ManifestEntry struct {
	Name         string         `yaml:"name"`
	Kind         plan.AgentKind `yaml:"kind"`
	Endpoint     string         `yaml:"endpoint"`
	Description  string         `yaml:"description"`
	Capabilities []string       `yaml:"capabilities"`
}

// LoadManifest reads a YAML file of ManifestEntry records and registers
// each one. A missing file is not an error — static manifests are
// optional; dynamic registration is the primary path.
func (r *Registry) LoadManifest(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}

	var entries []ManifestEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}

	for _, e := range entries {
		a := &Agent{
			Name:         e.Name,
			Kind:         e.Kind,
			Endpoint:     e.Endpoint,
			Description:  e.Description,
			Capabilities: e.Capabilities,
		}
		if err := r.Register(a); err != nil {
			return fmt.Errorf("register manifest entry %q: %w", e.Name, err)
		}
	}
	return nil
}
