package config

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/position.report/internal/solver"
)

func TestLoadSurveyExamples(t *testing.T) {
	want := map[uint16]solver.Point{
		2561: {X: 0, Y: 0, Z: 2.5},
		2562: {X: 10, Y: 0, Z: 2.5},
		2563: {X: 0, Y: 8, Z: 2.4},
		2564: {X: 10, Y: 8, Z: 2.6},
	}
	for _, path := range []string{
		"../../config/anchors.example.toml",
		"../../config/anchors.example.yaml",
	} {
		t.Run(path, func(t *testing.T) {
			s, err := LoadSurvey(path)
			require.NoError(t, err)
			assert.Equal(t, "lab", s.Site)
			if diff := cmp.Diff(want, s.Positions()); diff != "" {
				t.Errorf("Positions() mismatch (-want +got):\n%s", diff)
			}
			assert.Equal(t, "north-west", s.Sorted()[0].Name)
		})
	}
}

func TestLoadSurveyRejects(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
	}{
		{"unknown toml key", "a.toml", "[[anchor]]\nid = 1\nposition = { x = 1.0, y = 2.0, z = 0.0 }\nheight = 3\n"},
		{"unknown yaml key", "a.yaml", "anchors:\n  - id: 1\n    pos: {x: 1}\n"},
		{"duplicate ids", "a.yaml", "anchors:\n  - id: 7\n  - id: 7\n"},
		{"empty", "a.toml", "site = \"lab\"\n"},
		{"bad syntax", "a.toml", "[[anchor]\n"},
		{"unsupported extension", "a.json", `{"anchors": [{"id": 1}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadSurvey(writeConfig(t, tt.file, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadSurveyEmptyIsErrNoAnchors(t *testing.T) {
	_, err := LoadSurvey(writeConfig(t, "a.yaml", "site: empty\nanchors: []\n"))
	assert.True(t, errors.Is(err, ErrNoAnchors), "got %v", err)
}

func TestSurveySortedDoesNotReorder(t *testing.T) {
	s := &Survey{Anchors: []Anchor{{ID: 3}, {ID: 1}, {ID: 2}}}
	sorted := s.Sorted()
	assert.Equal(t, []uint16{1, 2, 3}, []uint16{sorted[0].ID, sorted[1].ID, sorted[2].ID})
	assert.Equal(t, uint16(3), s.Anchors[0].ID)
}
