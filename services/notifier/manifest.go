package notifier

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Endpoint is one webhook destination. An empty Events list subscribes the
// endpoint to every event.
type Endpoint struct {
	Name   string   `yaml:"name"`
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events,omitempty"`
}

func (e Endpoint) validate() error {
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("notifier: endpoint name required")
	}
	if strings.TrimSpace(e.URL) == "" {
		return fmt.Errorf("notifier: endpoint %s: url required", e.Name)
	}
	if strings.TrimSpace(e.Secret) == "" {
		return fmt.Errorf("notifier: endpoint %s: secret required", e.Name)
	}
	return nil
}

func (e Endpoint) accepts(event EventType) bool {
	if len(e.Events) == 0 {
		return true
	}
	for _, name := range e.Events {
		if strings.EqualFold(strings.TrimSpace(name), string(event)) {
			return true
		}
	}
	return false
}

type manifest struct {
	Endpoints []Endpoint `yaml:"endpoints"`
}

// LoadManifest reads the endpoint manifest from a YAML file.
func LoadManifest(path string) ([]Endpoint, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("notifier: read manifest: %w", err)
	}
	var decoded manifest
	if err := yaml.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("notifier: parse manifest: %w", err)
	}
	if len(decoded.Endpoints) == 0 {
		return nil, fmt.Errorf("notifier: manifest %s declares no endpoints", path)
	}
	for _, ep := range decoded.Endpoints {
		if err := ep.validate(); err != nil {
			return nil, err
		}
	}
	return decoded.Endpoints, nil
}
