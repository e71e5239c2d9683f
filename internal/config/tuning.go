package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/position.report/internal/protocol"
	"github.com/banshee-data/position.report/internal/ranging"
	"github.com/banshee-data/position.report/internal/solver"
)

// DefaultConfigPath is the canonical tuning file shipped with the repo.
const DefaultConfigPath = "config/uwb.defaults.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// ErrMissingRequired is returned by Validate when an operational parameter
// with no safe default has not been set.
var ErrMissingRequired = errors.New("missing required setting")

// TuningConfig is the host and firmware-simulation tuning. Optional fields
// fall back to the defaults in the Get* accessors; the fields listed in
// Validate as required have no defaults and must be present.
type TuningConfig struct {
	// Required
	MinAnchors        *int     `json:"min_anchors,omitempty"`
	OutlierMultiplier *float64 `json:"outlier_multiplier,omitempty"`
	RangeMaxAge       *string  `json:"range_max_age,omitempty"` // duration string like "500ms"
	StaleHorizon      *string  `json:"stale_horizon,omitempty"`

	// Solver
	Dimensions             *int     `json:"dimensions,omitempty"`
	TagHeight              *float64 `json:"tag_height,omitempty"` // metres, 2D only
	MaxIterations          *int     `json:"max_iterations,omitempty"`
	ConvergenceTolerance   *float64 `json:"convergence_tolerance,omitempty"`
	ConditionThreshold     *float64 `json:"condition_threshold,omitempty"`
	HighConfidenceResidual *float64 `json:"high_confidence_residual,omitempty"`
	OutlierFloor           *float64 `json:"outlier_floor,omitempty"`
	MinWeight              *float64 `json:"min_weight,omitempty"`

	// Pipeline
	SolveInterval *string  `json:"solve_interval,omitempty"`
	Smoothing     *float64 `json:"smoothing,omitempty"`
	QueueSize     *int     `json:"queue_size,omitempty"`
	MaxTags       *int     `json:"max_tags,omitempty"`

	// Ranging
	AntennaDelayTicks   *uint64  `json:"antenna_delay_ticks,omitempty"`
	QualityTolerancePPM *float64 `json:"quality_tolerance_ppm,omitempty"`
	ReplyDelay          *string  `json:"reply_delay,omitempty"`
	RangingTimeout      *string  `json:"ranging_timeout,omitempty"`
	RetryBackoff        *string  `json:"retry_backoff,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// LoadTuningConfig reads a JSON tuning file. The path must end in .json and
// the file must be under 1MB.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}
	data, err := readLimited(cleanPath)
	if err != nil {
		return nil, err
	}

	cfg := &TuningConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func readLimited(path string) ([]byte, error) {
	fileInfo, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return data, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the working directory or
// a parent of it. It panics when the file cannot be loaded and is meant for
// tests.
func MustLoadDefaultConfig() *TuningConfig {
	for _, prefix := range []string{"", "../", "../../", "../../../"} {
		if cfg, err := LoadTuningConfig(prefix + DefaultConfigPath); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that every required setting is present and every set value
// is usable.
func (c *TuningConfig) Validate() error {
	var missing []string
	if c.MinAnchors == nil {
		missing = append(missing, "min_anchors")
	}
	if c.OutlierMultiplier == nil {
		missing = append(missing, "outlier_multiplier")
	}
	if c.RangeMaxAge == nil || *c.RangeMaxAge == "" {
		missing = append(missing, "range_max_age")
	}
	if c.StaleHorizon == nil || *c.StaleHorizon == "" {
		missing = append(missing, "stale_horizon")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %v", ErrMissingRequired, missing)
	}

	for name, v := range map[string]*string{
		"range_max_age":   c.RangeMaxAge,
		"stale_horizon":   c.StaleHorizon,
		"solve_interval":  c.SolveInterval,
		"reply_delay":     c.ReplyDelay,
		"ranging_timeout": c.RangingTimeout,
		"retry_backoff":   c.RetryBackoff,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d <= 0 && name != "retry_backoff" {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}

	if s := c.GetSmoothing(); s < 0 || s > 1 {
		return fmt.Errorf("smoothing must be between 0 and 1, got %f", s)
	}
	if c.GetQueueSize() <= 0 || c.GetMaxTags() <= 0 {
		return errors.New("queue_size and max_tags must be positive")
	}
	if c.GetQualityTolerancePPM() < 0 {
		return fmt.Errorf("quality_tolerance_ppm must be non-negative, got %f", c.GetQualityTolerancePPM())
	}
	return c.SolverParams().Validate()
}

func (c *TuningConfig) GetMinAnchors() int {
	if c.MinAnchors == nil {
		return 0
	}
	return *c.MinAnchors
}

func (c *TuningConfig) GetOutlierMultiplier() float64 {
	if c.OutlierMultiplier == nil {
		return 0
	}
	return *c.OutlierMultiplier
}

func (c *TuningConfig) GetRangeMaxAge() time.Duration  { return parseOr(c.RangeMaxAge, 0) }
func (c *TuningConfig) GetStaleHorizon() time.Duration { return parseOr(c.StaleHorizon, 0) }

func (c *TuningConfig) GetDimensions() int {
	if c.Dimensions == nil {
		return 2
	}
	return *c.Dimensions
}

func (c *TuningConfig) GetTagHeight() float64 {
	if c.TagHeight == nil {
		return 1.0
	}
	return *c.TagHeight
}

func (c *TuningConfig) GetMaxIterations() int {
	if c.MaxIterations == nil {
		return 25
	}
	return *c.MaxIterations
}

func (c *TuningConfig) GetConvergenceTolerance() float64 {
	if c.ConvergenceTolerance == nil {
		return 1e-4
	}
	return *c.ConvergenceTolerance
}

func (c *TuningConfig) GetConditionThreshold() float64 {
	if c.ConditionThreshold == nil {
		return 0.01
	}
	return *c.ConditionThreshold
}

func (c *TuningConfig) GetHighConfidenceResidual() float64 {
	if c.HighConfidenceResidual == nil {
		return 0.15
	}
	return *c.HighConfidenceResidual
}

func (c *TuningConfig) GetOutlierFloor() float64 {
	if c.OutlierFloor == nil {
		return 0.05
	}
	return *c.OutlierFloor
}

func (c *TuningConfig) GetMinWeight() float64 {
	if c.MinWeight == nil {
		return 0.05
	}
	return *c.MinWeight
}

func (c *TuningConfig) GetSolveInterval() time.Duration {
	return parseOr(c.SolveInterval, 100*time.Millisecond)
}

// GetSmoothing returns the weight of a new fix; 0 disables smoothing.
func (c *TuningConfig) GetSmoothing() float64 {
	if c.Smoothing == nil {
		return 0
	}
	return *c.Smoothing
}

func (c *TuningConfig) GetQueueSize() int {
	if c.QueueSize == nil {
		return 64
	}
	return *c.QueueSize
}

func (c *TuningConfig) GetMaxTags() int {
	if c.MaxTags == nil {
		return 256
	}
	return *c.MaxTags
}

func (c *TuningConfig) GetAntennaDelayTicks() uint64 {
	if c.AntennaDelayTicks == nil {
		return 0
	}
	return *c.AntennaDelayTicks
}

func (c *TuningConfig) GetQualityTolerancePPM() float64 {
	if c.QualityTolerancePPM == nil {
		return 50
	}
	return *c.QualityTolerancePPM
}

func (c *TuningConfig) GetReplyDelay() time.Duration {
	return parseOr(c.ReplyDelay, time.Millisecond)
}

func (c *TuningConfig) GetRangingTimeout() time.Duration {
	return parseOr(c.RangingTimeout, 10*time.Millisecond)
}

func (c *TuningConfig) GetRetryBackoff() time.Duration {
	return parseOr(c.RetryBackoff, 50*time.Millisecond)
}

// SolverParams maps the tuning onto solver parameters.
func (c *TuningConfig) SolverParams() solver.Params {
	return solver.Params{
		Dimensions:             c.GetDimensions(),
		Height:                 c.GetTagHeight(),
		MinAnchors:             c.GetMinAnchors(),
		OutlierMultiplier:      c.GetOutlierMultiplier(),
		OutlierFloor:           c.GetOutlierFloor(),
		MaxIterations:          c.GetMaxIterations(),
		Tolerance:              c.GetConvergenceTolerance(),
		ConditionThreshold:     c.GetConditionThreshold(),
		HighConfidenceResidual: c.GetHighConfidenceResidual(),
		MinWeight:              c.GetMinWeight(),
	}
}

// RangingConfig returns the ranging settings for one device.
func (c *TuningConfig) RangingConfig(id uint16, role protocol.Role) ranging.Config {
	return ranging.Config{
		LocalID:             id,
		Role:                role,
		ReplyDelay:          c.GetReplyDelay(),
		Timeout:             c.GetRangingTimeout(),
		Backoff:             c.GetRetryBackoff(),
		AntennaDelay:        c.GetAntennaDelayTicks(),
		QualityTolerancePPM: c.GetQualityTolerancePPM(),
	}
}

func parseOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}
