package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"slam3d-go/particlefilter"
)

// TuningConfig holds the estimator and adapter tunables. Every field is
// optional; the Get* methods supply the defaults of the reference
// deployments for anything left out of the file.
type TuningConfig struct {
	// Filter params
	TagParticles    *int     `json:"tag_particles,omitempty"`
	BeaconParticles *int     `json:"beacon_particles,omitempty"`
	StdXyz          *float64 `json:"std_xyz,omitempty"`
	StdTheta        *float64 `json:"std_theta,omitempty"`
	ResampleThresh  *float64 `json:"resample_thresh,omitempty"`
	SpawnRadius     *float64 `json:"spawn_radius,omitempty"`
	SpawnWeight     *float64 `json:"spawn_weight,omitempty"`
	SpawnFraction   *float64 `json:"spawn_fraction,omitempty"`
	JitterXyz       *float64 `json:"jitter_xyz,omitempty"`
	Seed            *uint64  `json:"seed,omitempty"`

	// Range preprocessing
	UwbBias  *float64 `json:"uwb_bias,omitempty"` // metres subtracted from every range
	UwbStd   *float64 `json:"uwb_std,omitempty"`
	MinRange *float64 `json:"min_range,omitempty"` // ranges must lie in (min, max)
	MaxRange *float64 `json:"max_range,omitempty"`

	// RSSI proximity model
	RssiTxPower   *float64 `json:"rssi_tx_power,omitempty"`
	RssiFactor    *float64 `json:"rssi_factor,omitempty"`
	RssiAdjust    *float64 `json:"rssi_adjust,omitempty"`
	RssiNearRange *float64 `json:"rssi_near_range,omitempty"`

	// Adapter params
	Axes           *string `json:"axes,omitempty"`            // device axis order, e.g. "yzx"
	SessionTimeout *string `json:"session_timeout,omitempty"` // duration string like "30s"
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrInt(v int) *int             { return &v }
func ptrString(v string) *string    { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the values that are set.
func (c *TuningConfig) Validate() error {
	if c.TagParticles != nil && *c.TagParticles < 1 {
		return fmt.Errorf("tag_particles must be positive, got %d", *c.TagParticles)
	}
	if c.BeaconParticles != nil && *c.BeaconParticles < 1 {
		return fmt.Errorf("beacon_particles must be positive, got %d", *c.BeaconParticles)
	}
	if c.UwbStd != nil && *c.UwbStd <= 0 {
		return fmt.Errorf("uwb_std must be positive, got %f", *c.UwbStd)
	}
	if c.GetMinRange() >= c.GetMaxRange() {
		return fmt.Errorf("min_range %f must be below max_range %f", c.GetMinRange(), c.GetMaxRange())
	}
	if c.Axes != nil {
		if len(*c.Axes) != 3 {
			return fmt.Errorf("axes must name three axes, got %q", *c.Axes)
		}
	}
	if c.SessionTimeout != nil && *c.SessionTimeout != "" {
		if _, err := time.ParseDuration(*c.SessionTimeout); err != nil {
			return fmt.Errorf("invalid session_timeout '%s': %w", *c.SessionTimeout, err)
		}
	}

	// Bounds on the filter tunables live with the filter.
	loc := c.LocConfig()
	if err := loc.Validate(false); err != nil {
		return err
	}
	if _, err := c.RssiModel(); err != nil {
		return err
	}
	return nil
}

func (c *TuningConfig) filterConfig(base particlefilter.Config) particlefilter.Config {
	if c.TagParticles != nil {
		base.TagParticles = *c.TagParticles
	}
	if c.BeaconParticles != nil {
		base.BeaconParticles = *c.BeaconParticles
	}
	if c.StdXyz != nil {
		base.StdXyz = *c.StdXyz
	}
	if c.StdTheta != nil {
		base.StdTheta = *c.StdTheta
	}
	if c.ResampleThresh != nil {
		base.ResampleThresh = *c.ResampleThresh
	}
	if c.SpawnRadius != nil {
		base.SpawnRadius = *c.SpawnRadius
	}
	if c.SpawnWeight != nil {
		base.SpawnWeight = *c.SpawnWeight
	}
	if c.SpawnFraction != nil {
		base.SpawnFraction = *c.SpawnFraction
	}
	if c.JitterXyz != nil {
		base.JitterXyz = *c.JitterXyz
	}
	if c.Seed != nil {
		seed := *c.Seed
		base.Seed = &seed
	}
	return base
}

// LocConfig returns the known-anchor filter config with overrides applied.
func (c *TuningConfig) LocConfig() particlefilter.Config {
	return c.filterConfig(particlefilter.DefaultLocConfig())
}

// SlamConfig returns the joint filter config with overrides applied.
func (c *TuningConfig) SlamConfig() particlefilter.Config {
	return c.filterConfig(particlefilter.DefaultSlamConfig())
}

// GetUwbBias returns the range bias. The SLAM deployments ran a longer
// antenna path and default to a larger bias.
func (c *TuningConfig) GetUwbBias(slam bool) float64 {
	if c.UwbBias == nil {
		if slam {
			return 0.4
		}
		return 0.2
	}
	return *c.UwbBias
}

// GetUwbStd returns the range standard deviation.
func (c *TuningConfig) GetUwbStd() float64 {
	if c.UwbStd == nil {
		return 0.1
	}
	return *c.UwbStd
}

// GetMinRange returns the exclusive lower bound of accepted ranges.
func (c *TuningConfig) GetMinRange() float64 {
	if c.MinRange == nil {
		return 0
	}
	return *c.MinRange
}

// GetMaxRange returns the exclusive upper bound of accepted ranges.
func (c *TuningConfig) GetMaxRange() float64 {
	if c.MaxRange == nil {
		return 30
	}
	return *c.MaxRange
}

// RssiModel builds the proximity model.
func (c *TuningConfig) RssiModel() (*particlefilter.RssiModel, error) {
	tx, factor, adjust, near := 59.0, 3.0, 8.0, 3.0
	if c.RssiTxPower != nil {
		tx = *c.RssiTxPower
	}
	if c.RssiFactor != nil {
		factor = *c.RssiFactor
	}
	if c.RssiAdjust != nil {
		adjust = *c.RssiAdjust
	}
	if c.RssiNearRange != nil {
		near = *c.RssiNearRange
	}
	return particlefilter.NewRssiModel(tx, factor, adjust, near)
}

// GetAxes returns the device axis order.
func (c *TuningConfig) GetAxes() string {
	if c.Axes == nil || *c.Axes == "" {
		return "xyz"
	}
	return *c.Axes
}

// GetSessionTimeout returns how long an idle tag session is kept.
func (c *TuningConfig) GetSessionTimeout() time.Duration {
	if c.SessionTimeout == nil || *c.SessionTimeout == "" {
		return 5 * time.Minute
	}
	d, err := time.ParseDuration(*c.SessionTimeout)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}
