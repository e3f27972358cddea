package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

const maxConfigFileSize = 1 * 1024 * 1024 // 1MB

// TuningConfig holds the fusion engine tuning parameters. Every field is
// optional: the Get* accessors fall back to built-in defaults, so partial
// JSON or YAML files are safe.
type TuningConfig struct {
	// Lifecycle
	StaleThresholdDrone    *string `json:"stale_threshold_drone,omitempty" yaml:"stale_threshold_drone,omitempty"`
	StaleThresholdFPV      *string `json:"stale_threshold_fpv,omitempty" yaml:"stale_threshold_fpv,omitempty"`
	StaleThresholdAircraft *string `json:"stale_threshold_aircraft,omitempty" yaml:"stale_threshold_aircraft,omitempty"`
	SweepInterval          *string `json:"sweep_interval,omitempty" yaml:"sweep_interval,omitempty"`

	// Correlation
	RandomizationThreshold *int `json:"randomization_threshold,omitempty" yaml:"randomization_threshold,omitempty"`
	FingerprintMemory      *int `json:"fingerprint_memory,omitempty" yaml:"fingerprint_memory,omitempty"`
	FixWindow              *int `json:"fix_window,omitempty" yaml:"fix_window,omitempty"`
	RSSIWindow             *int `json:"rssi_window,omitempty" yaml:"rssi_window,omitempty"`

	// Spoof scoring
	SpoofThreshold      *float64 `json:"spoof_threshold,omitempty" yaml:"spoof_threshold,omitempty"`
	MaxDroneSpeedMPS    *float64 `json:"max_drone_speed_mps,omitempty" yaml:"max_drone_speed_mps,omitempty"`
	MaxAircraftSpeedMPS *float64 `json:"max_aircraft_speed_mps,omitempty" yaml:"max_aircraft_speed_mps,omitempty"`
	MaxDroneAltitudeM   *float64 `json:"max_drone_altitude_m,omitempty" yaml:"max_drone_altitude_m,omitempty"`
	ConflictWindow      *string  `json:"conflict_window,omitempty" yaml:"conflict_window,omitempty"`
	ConflictDistanceM   *float64 `json:"conflict_distance_m,omitempty" yaml:"conflict_distance_m,omitempty"`
	RSSIMismatchDB      *float64 `json:"rssi_mismatch_db,omitempty" yaml:"rssi_mismatch_db,omitempty"`

	// Proximity rings
	RingDebounce            *string  `json:"ring_debounce,omitempty" yaml:"ring_debounce,omitempty"`
	PathLossExponent        *float64 `json:"path_loss_exponent,omitempty" yaml:"path_loss_exponent,omitempty"`
	MeasuredPowerBLEDBm     *float64 `json:"measured_power_ble_dbm,omitempty" yaml:"measured_power_ble_dbm,omitempty"`
	MeasuredPowerWiFiDBm    *float64 `json:"measured_power_wifi_dbm,omitempty" yaml:"measured_power_wifi_dbm,omitempty"`
	MeasuredPowerDefaultDBm *float64 `json:"measured_power_default_dbm,omitempty" yaml:"measured_power_default_dbm,omitempty"`
	MinRingRadiusM          *float64 `json:"min_ring_radius_m,omitempty" yaml:"min_ring_radius_m,omitempty"`
	MaxRingRadiusM          *float64 `json:"max_ring_radius_m,omitempty" yaml:"max_ring_radius_m,omitempty"`
	ReceiverLat             *float64 `json:"receiver_lat,omitempty" yaml:"receiver_lat,omitempty"`
	ReceiverLon             *float64 `json:"receiver_lon,omitempty" yaml:"receiver_lon,omitempty"`

	// Engine and persistence
	ShardCount      *int    `json:"shard_count,omitempty" yaml:"shard_count,omitempty"`
	ShardQueueSize  *int    `json:"shard_queue_size,omitempty" yaml:"shard_queue_size,omitempty"`
	EventBuffer     *int    `json:"event_buffer,omitempty" yaml:"event_buffer,omitempty"`
	CommitInterval  *string `json:"commit_interval,omitempty" yaml:"commit_interval,omitempty"`
	CommitRetryBase *string `json:"commit_retry_base,omitempty" yaml:"commit_retry_base,omitempty"`
	CommitRetryMax  *string `json:"commit_retry_max,omitempty" yaml:"commit_retry_max,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a .json, .yaml or .yml file.
// Fields omitted from the file keep their defaults.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxConfigFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if ext == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	durations := map[string]*string{
		"stale_threshold_drone":    c.StaleThresholdDrone,
		"stale_threshold_fpv":      c.StaleThresholdFPV,
		"stale_threshold_aircraft": c.StaleThresholdAircraft,
		"sweep_interval":           c.SweepInterval,
		"conflict_window":          c.ConflictWindow,
		"ring_debounce":            c.RingDebounce,
		"commit_interval":          c.CommitInterval,
		"commit_retry_base":        c.CommitRetryBase,
		"commit_retry_max":         c.CommitRetryMax,
	}
	for name, v := range durations {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, *v)
		}
	}

	if c.SpoofThreshold != nil && (*c.SpoofThreshold <= 0 || *c.SpoofThreshold > 1) {
		return fmt.Errorf("spoof_threshold must be in (0, 1], got %f", *c.SpoofThreshold)
	}
	if c.RandomizationThreshold != nil && *c.RandomizationThreshold < 1 {
		return fmt.Errorf("randomization_threshold must be at least 1, got %d", *c.RandomizationThreshold)
	}
	if c.PathLossExponent != nil && *c.PathLossExponent <= 0 {
		return fmt.Errorf("path_loss_exponent must be positive, got %f", *c.PathLossExponent)
	}
	if c.MinRingRadiusM != nil && *c.MinRingRadiusM <= 0 {
		return fmt.Errorf("min_ring_radius_m must be positive, got %f", *c.MinRingRadiusM)
	}
	if c.GetMaxRingRadiusM() < c.GetMinRingRadiusM() {
		return fmt.Errorf("max_ring_radius_m (%f) must not be below min_ring_radius_m (%f)", c.GetMaxRingRadiusM(), c.GetMinRingRadiusM())
	}
	if c.ShardCount != nil && (*c.ShardCount < 1 || *c.ShardCount > 1024) {
		return fmt.Errorf("shard_count must be between 1 and 1024, got %d", *c.ShardCount)
	}
	if c.ShardQueueSize != nil && *c.ShardQueueSize < 1 {
		return fmt.Errorf("shard_queue_size must be positive, got %d", *c.ShardQueueSize)
	}
	if (c.ReceiverLat == nil) != (c.ReceiverLon == nil) {
		return fmt.Errorf("receiver_lat and receiver_lon must be set together")
	}
	if c.ReceiverLat != nil && (*c.ReceiverLat < -90 || *c.ReceiverLat > 90) {
		return fmt.Errorf("receiver_lat out of range: %f", *c.ReceiverLat)
	}
	if c.ReceiverLon != nil && (*c.ReceiverLon < -180 || *c.ReceiverLon > 180) {
		return fmt.Errorf("receiver_lon out of range: %f", *c.ReceiverLon)
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func (c *TuningConfig) GetStaleThresholdDrone() time.Duration {
	return durationOr(c.StaleThresholdDrone, 60*time.Second)
}

func (c *TuningConfig) GetStaleThresholdFPV() time.Duration {
	return durationOr(c.StaleThresholdFPV, 30*time.Second)
}

func (c *TuningConfig) GetStaleThresholdAircraft() time.Duration {
	return durationOr(c.StaleThresholdAircraft, 120*time.Second)
}

// GetSweepInterval returns how often staleness is re-evaluated.
func (c *TuningConfig) GetSweepInterval() time.Duration {
	return durationOr(c.SweepInterval, 5*time.Second)
}

// GetRandomizationThreshold returns the distinct MAC count that must be
// exceeded before an identity is flagged as randomizing.
func (c *TuningConfig) GetRandomizationThreshold() int {
	return intOr(c.RandomizationThreshold, 2)
}

func (c *TuningConfig) GetFingerprintMemory() int { return intOr(c.FingerprintMemory, 256) }
func (c *TuningConfig) GetFixWindow() int         { return intOr(c.FixWindow, 32) }
func (c *TuningConfig) GetRSSIWindow() int        { return intOr(c.RSSIWindow, 16) }

func (c *TuningConfig) GetSpoofThreshold() float64 { return floatOr(c.SpoofThreshold, 0.5) }

func (c *TuningConfig) GetMaxDroneSpeedMPS() float64 { return floatOr(c.MaxDroneSpeedMPS, 75) }

func (c *TuningConfig) GetMaxAircraftSpeedMPS() float64 { return floatOr(c.MaxAircraftSpeedMPS, 350) }

func (c *TuningConfig) GetMaxDroneAltitudeM() float64 { return floatOr(c.MaxDroneAltitudeM, 2000) }

func (c *TuningConfig) GetConflictWindow() time.Duration {
	return durationOr(c.ConflictWindow, time.Second)
}

func (c *TuningConfig) GetConflictDistanceM() float64 { return floatOr(c.ConflictDistanceM, 500) }

func (c *TuningConfig) GetRSSIMismatchDB() float64 { return floatOr(c.RSSIMismatchDB, 25) }

// GetRingDebounce returns the minimum interval between accepted ring replacements.
func (c *TuningConfig) GetRingDebounce() time.Duration {
	return durationOr(c.RingDebounce, 2*time.Second)
}

func (c *TuningConfig) GetPathLossExponent() float64 { return floatOr(c.PathLossExponent, 2.7) }

func (c *TuningConfig) GetMeasuredPowerBLEDBm() float64 { return floatOr(c.MeasuredPowerBLEDBm, -59) }

func (c *TuningConfig) GetMeasuredPowerWiFiDBm() float64 {
	return floatOr(c.MeasuredPowerWiFiDBm, -40)
}

func (c *TuningConfig) GetMeasuredPowerDefaultDBm() float64 {
	return floatOr(c.MeasuredPowerDefaultDBm, -50)
}

func (c *TuningConfig) GetMinRingRadiusM() float64 { return floatOr(c.MinRingRadiusM, 10) }
func (c *TuningConfig) GetMaxRingRadiusM() float64 { return floatOr(c.MaxRingRadiusM, 5000) }

// GetReceiverLocation returns the configured receiver position, if any.
func (c *TuningConfig) GetReceiverLocation() (lat, lon float64, ok bool) {
	if c.ReceiverLat == nil || c.ReceiverLon == nil {
		return 0, 0, false
	}
	return *c.ReceiverLat, *c.ReceiverLon, true
}

func (c *TuningConfig) GetShardCount() int     { return intOr(c.ShardCount, 8) }
func (c *TuningConfig) GetShardQueueSize() int { return intOr(c.ShardQueueSize, 256) }
func (c *TuningConfig) GetEventBuffer() int    { return intOr(c.EventBuffer, 64) }

// GetCommitInterval returns the period between encounter persistence flushes.
func (c *TuningConfig) GetCommitInterval() time.Duration {
	return durationOr(c.CommitInterval, 2*time.Second)
}

func (c *TuningConfig) GetCommitRetryBase() time.Duration {
	return durationOr(c.CommitRetryBase, time.Second)
}

func (c *TuningConfig) GetCommitRetryMax() time.Duration {
	return durationOr(c.CommitRetryMax, time.Minute)
}
