package store

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed presets/*.yaml
var presetFS embed.FS

// Preset is a named bundle of built-in policies.
type Preset struct {
	ID          string         `yaml:"id" json:"id"`
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description" json:"description"`
	Policies    []PresetPolicy `yaml:"policies" json:"policies"`
}

// PresetPolicy is one policy of a preset. IDs are "<preset>:<slug>".
type PresetPolicy struct {
	ID            string        `yaml:"id" json:"id"`
	Name          string        `yaml:"name" json:"name"`
	Action        PolicyAction  `yaml:"action" json:"action"`
	Target        PolicyTarget  `yaml:"target" json:"target"`
	Patterns      []string      `yaml:"patterns" json:"patterns"`
	Operations    []string      `yaml:"operations,omitempty" json:"operations,omitempty"`
	Priority      *int          `yaml:"priority,omitempty" json:"priority,omitempty"`
	Disabled      bool          `yaml:"disabled,omitempty" json:"disabled,omitempty"`
	NetworkAccess NetworkAccess `yaml:"network_access,omitempty" json:"networkAccess,omitempty"`
}

func (pp PresetPolicy) input(presetID string) PolicyInput {
	enabled := !pp.Disabled
	return PolicyInput{
		ID:            pp.ID,
		Name:          pp.Name,
		Action:        pp.Action,
		Target:        pp.Target,
		Patterns:      pp.Patterns,
		Enabled:       &enabled,
		Priority:      pp.Priority,
		Operations:    pp.Operations,
		Preset:        presetID,
		NetworkAccess: pp.NetworkAccess,
	}
}

var (
	presetsOnce sync.Once
	presetsByID map[string]*Preset
	presetsErr  error
)

func loadPresets() {
	presetsByID = make(map[string]*Preset)
	presetsErr = fs.WalkDir(presetFS, "presets", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := presetFS.ReadFile(path)
		if err != nil {
			return err
		}
		var p Preset
		if err := yaml.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("store: failed to parse preset %s: %w", path, err)
		}
		if p.ID == "" {
			return fmt.Errorf("store: preset %s has no id", path)
		}
		if _, dup := presetsByID[p.ID]; dup {
			return fmt.Errorf("store: duplicate preset id %q", p.ID)
		}
		presetsByID[p.ID] = &p
		return nil
	})
}

// Presets returns every built-in preset sorted by id.
func Presets() ([]*Preset, error) {
	presetsOnce.Do(loadPresets)
	if presetsErr != nil {
		return nil, presetsErr
	}
	out := make([]*Preset, 0, len(presetsByID))
	for _, p := range presetsByID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// LookupPreset returns the preset with id or ErrUnknownPreset.
func LookupPreset(id string) (*Preset, error) {
	presetsOnce.Do(loadPresets)
	if presetsErr != nil {
		return nil, presetsErr
	}
	p, ok := presetsByID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPreset, id)
	}
	return p, nil
}
