package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/position.report/internal/config"
	"github.com/banshee-data/position.report/internal/protocol"
	"github.com/banshee-data/position.report/internal/solver"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func loadFixtures(t *testing.T) (*config.TuningConfig, *config.Survey) {
	t.Helper()
	tuning, err := config.LoadTuningConfig("../../" + config.DefaultConfigPath)
	require.NoError(t, err)
	survey, err := config.LoadSurvey("../../config/anchors.example.toml")
	require.NoError(t, err)
	return tuning, survey
}

func TestRoundReportsTrueDistances(t *testing.T) {
	tuning, survey := loadFixtures(t)
	sim, err := newSimulator(tuning, survey, simConfig{Tags: 2, Period: 10 * time.Second, PPMSpread: 20, Seed: 3}, epoch)
	require.NoError(t, err)

	anchors := survey.Positions()
	for round := 1; round <= 3; round++ {
		reports := sim.Round()
		require.Len(t, reports, 8)
		for _, r := range reports {
			truth := sim.TruePosition(r.TagID).Dist(anchors[r.AnchorID])
			assert.InDelta(t, truth, r.Distance, 0.05, "tag %d anchor %d", r.TagID, r.AnchorID)
			assert.Equal(t, uint32(round), r.Seq)

			// Every report survives the wire format.
			decoded, err := protocol.DecodeDistanceReport(r.Encode())
			require.NoError(t, err)
			assert.Equal(t, r.AnchorID, decoded.AnchorID)
		}
		sim.Advance(100 * time.Millisecond)
	}
	assert.Zero(t, sim.Failures())
}

func TestTagsShareOrbitOutOfPhase(t *testing.T) {
	tuning, survey := loadFixtures(t)
	sim, err := newSimulator(tuning, survey, simConfig{Tags: 2, Period: 8 * time.Second, Seed: 1}, epoch)
	require.NoError(t, err)

	a, b := sim.TruePosition(firstTagID), sim.TruePosition(firstTagID+1)
	centre := solver.Point{X: 5, Y: 4, Z: tuning.GetTagHeight()}
	assert.InDelta(t, a.Dist(centre), b.Dist(centre), 1e-9)
	assert.InDelta(t, 2*sim.radius, a.Dist(b), 1e-9, "two tags sit opposite each other")

	sim.Advance(2 * time.Second)
	moved := sim.TruePosition(firstTagID)
	assert.InDelta(t, sim.radius*1.41421356, a.Dist(moved), 1e-6, "a quarter orbit")
}

func TestDroppedFramesCountFailures(t *testing.T) {
	tuning, survey := loadFixtures(t)
	sim, err := newSimulator(tuning, survey, simConfig{Tags: 1, Period: time.Second, DropRate: 1, Seed: 9}, epoch)
	require.NoError(t, err)

	assert.Empty(t, sim.Round())
	assert.Equal(t, 4, sim.Failures())
}

func TestNewSimulatorRejectsBadConfig(t *testing.T) {
	tuning, survey := loadFixtures(t)
	_, err := newSimulator(tuning, survey, simConfig{Tags: 0, Period: time.Second}, epoch)
	assert.Error(t, err)
	_, err = newSimulator(tuning, survey, simConfig{Tags: 1}, epoch)
	assert.Error(t, err)
}
