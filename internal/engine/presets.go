package engine

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed presets.yaml
var defaultPresetsYAML []byte

// Preset is a named prompt template for image understanding.
type Preset struct {
	Description string `yaml:"description" json:"description"`
	Prompt      string `yaml:"prompt" json:"-"`
}

// Presets holds the available prompt presets keyed by name.
type Presets struct {
	presets map[string]Preset
}

type presetsFile struct {
	Presets map[string]Preset `yaml:"presets"`
}

// LoadPresets returns the prompt presets. When path is non-empty the
// YAML file at that location replaces the embedded defaults entirely.
func LoadPresets(path string) (*Presets, error) {
	raw := defaultPresetsYAML
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read presets file: %w", err)
		}
		raw = data
	}

	var file presetsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse presets: %w", err)
	}
	if len(file.Presets) == 0 {
		return nil, fmt.Errorf("no presets defined")
	}
	return &Presets{presets: file.Presets}, nil
}

// Get returns the preset with the given name.
func (p *Presets) Get(name string) (Preset, bool) {
	preset, ok := p.presets[name]
	return preset, ok
}

// Names returns all preset names in sorted order.
func (p *Presets) Names() []string {
	names := make([]string, 0, len(p.presets))
	for name := range p.presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe returns name to description for every preset.
func (p *Presets) Describe() map[string]string {
	out := make(map[string]string, len(p.presets))
	for name, preset := range p.presets {
		out[name] = preset.Description
	}
	return out
}
