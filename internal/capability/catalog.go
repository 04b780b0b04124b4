package capability

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

type catalogFile struct {
	Capabilities []Descriptor `yaml:"capabilities"`
}

// DefaultCatalog returns the built-in descriptors.
func DefaultCatalog() ([]Descriptor, error) {
	return parseCatalog(defaultCatalog)
}

// LoadCatalog reads a catalog file and overlays it on the defaults: entries
// are matched by name, and any field set in the file replaces the default.
// Unknown names are rejected because every capability needs a handler.
func LoadCatalog(path string) ([]Descriptor, error) {
	base, err := DefaultCatalog()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(path) == "" {
		return base, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read capability catalog: %w", err)
	}
	overrides, err := parseCatalog(raw)
	if err != nil {
		return nil, err
	}

	index := make(map[string]int, len(base))
	for i, d := range base {
		index[d.Name] = i
	}
	for _, o := range overrides {
		i, ok := index[o.Name]
		if !ok {
			return nil, fmt.Errorf("capability catalog: unknown capability %q", o.Name)
		}
		base[i] = overlay(base[i], o)
	}
	return base, nil
}

func parseCatalog(raw []byte) ([]Descriptor, error) {
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse capability catalog: %w", err)
	}
	for i := range f.Capabilities {
		f.Capabilities[i].Name = strings.ToLower(strings.TrimSpace(f.Capabilities[i].Name))
		for j, h := range f.Capabilities[i].Heuristics {
			for k, hint := range h.Hints {
				f.Capabilities[i].Heuristics[j].Hints[k] = strings.ToLower(strings.TrimSpace(hint))
			}
		}
	}
	return f.Capabilities, nil
}

func overlay(base, o Descriptor) Descriptor {
	if o.Description != "" {
		base.Description = o.Description
	}
	if o.Suggestion != "" {
		base.Suggestion = o.Suggestion
	}
	if o.Params != nil {
		base.Params = o.Params
	}
	if o.Heuristics != nil {
		base.Heuristics = o.Heuristics
	}
	base.Conversational = base.Conversational || o.Conversational
	base.Disabled = o.Disabled
	return base
}
