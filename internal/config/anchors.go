package config

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/position.report/internal/solver"
)

var ErrNoAnchors = errors.New("anchor survey lists no anchors")

// Anchor is one surveyed anchor. Positions are fixed once loaded.
type Anchor struct {
	ID       uint16       `json:"id" toml:"id" yaml:"id"`
	Name     string       `json:"name,omitempty" toml:"name" yaml:"name"`
	Position solver.Point `json:"position" toml:"position" yaml:"position"`
}

// Survey is the anchor table for one site.
type Survey struct {
	Site    string   `json:"site" toml:"site" yaml:"site"`
	Anchors []Anchor `json:"anchors" toml:"anchor" yaml:"anchors"`
}

// LoadSurvey reads an anchor survey from a TOML (.toml) or YAML (.yaml,
// .yml) file. Unknown keys are rejected so a typo cannot silently drop a
// coordinate.
func LoadSurvey(path string) (*Survey, error) {
	cleanPath := filepath.Clean(path)
	data, err := readLimited(cleanPath)
	if err != nil {
		return nil, err
	}

	var s Survey
	switch ext := strings.ToLower(filepath.Ext(cleanPath)); ext {
	case ".toml":
		meta, err := toml.Decode(string(data), &s)
		if err != nil {
			return nil, fmt.Errorf("parse anchor survey: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("parse anchor survey: unknown keys %v", undecoded)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&s); err != nil {
			return nil, fmt.Errorf("parse anchor survey: %w", err)
		}
	default:
		return nil, fmt.Errorf("anchor survey must be .toml or .yaml, got %q", ext)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate rejects empty surveys and duplicate ids.
func (s *Survey) Validate() error {
	if len(s.Anchors) == 0 {
		return ErrNoAnchors
	}
	seen := make(map[uint16]bool, len(s.Anchors))
	for _, a := range s.Anchors {
		if seen[a.ID] {
			return fmt.Errorf("duplicate anchor id %d", a.ID)
		}
		seen[a.ID] = true
	}
	return nil
}

// Positions returns the anchor table keyed by id.
func (s *Survey) Positions() map[uint16]solver.Point {
	out := make(map[uint16]solver.Point, len(s.Anchors))
	for _, a := range s.Anchors {
		out[a.ID] = a.Position
	}
	return out
}

// Sorted returns the anchors ordered by id.
func (s *Survey) Sorted() []Anchor {
	out := append([]Anchor(nil), s.Anchors...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
