package config

import (
	"fmt"
	"time"

	"github.com/danielpatrickdp/shm-controller/internal/guardian"
	"github.com/danielpatrickdp/shm-controller/internal/logging"
	"github.com/danielpatrickdp/shm-controller/internal/platform/sim"
	"github.com/danielpatrickdp/shm-controller/internal/supervisor"
)

// ConfigPathEnvVar names the environment variable holding a config file path.
const ConfigPathEnvVar = "SHM_CONFIG"

// DefaultConfigPaths are searched in order when no path is given.
var DefaultConfigPaths = []string{
	"shm.yaml",
	"/etc/shm/shm.yaml",
}

// #region types
// Config is the controller configuration.
type Config struct {
	Thresholds      ThresholdsConfig `koanf:"thresholds"`
	MaxGuardians    int              `koanf:"max_guardians" validate:"min=1,max=65535"`
	Blocks          []uint16         `koanf:"blocks"`
	BistTimeout     time.Duration    `koanf:"bist_timeout" validate:"gt=0"`
	ReconfigTimeout time.Duration    `koanf:"reconfig_timeout" validate:"gt=0"`
	TickInterval    time.Duration    `koanf:"tick_interval" validate:"gt=0"`
	Journal         JournalConfig    `koanf:"journal"`
	Platform        PlatformConfig   `koanf:"platform"`
	Log             LogConfig        `koanf:"log"`
	HTTP            HTTPConfig       `koanf:"http"`
}

// ThresholdsConfig holds the anomaly score thresholds.
type ThresholdsConfig struct {
	Warn uint16 `koanf:"warn"`
	Crit uint16 `koanf:"crit" validate:"gtefield=Warn"`
}

// JournalConfig locates the SQLite journal. An empty path disables it.
type JournalConfig struct {
	Path string `koanf:"path"`
}

// PlatformConfig selects the guardian platform.
type PlatformConfig struct {
	Mode        string        `koanf:"mode" validate:"oneof=sim remote"`
	Addr        string        `koanf:"addr" validate:"required_if=Mode remote"`
	CallTimeout time.Duration `koanf:"call_timeout" validate:"gt=0"`
	Sim         SimConfig     `koanf:"sim"`
}

// SimConfig drives the random workload of the simulated platform.
type SimConfig struct {
	Seed                int64         `koanf:"seed"`
	Interval            time.Duration `koanf:"interval" validate:"gt=0"`
	AlertProb           float64       `koanf:"alert_prob" validate:"gte=0,lte=1"`
	ScoreMean           float64       `koanf:"score_mean"`
	ScoreStdDev         float64       `koanf:"score_stddev" validate:"gte=0"`
	BistFailProb        float64       `koanf:"bist_fail_prob" validate:"gte=0,lte=1"`
	ReconfigFailureProb float64       `koanf:"reconfig_failure_prob" validate:"gte=0,lte=1"`
	BistLatency         time.Duration `koanf:"bist_latency" validate:"gte=0"`
	ReconfigLatency     time.Duration `koanf:"reconfig_latency" validate:"gte=0"`
}

// LogConfig selects logger level and format.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

// HTTPConfig configures the ops server. An empty address disables it.
type HTTPConfig struct {
	Addr string `koanf:"addr"`
}

// #endregion types

// #region defaults
func defaultConfig() *Config {
	sup := supervisor.DefaultConfig()
	wl := sim.DefaultWorkloadParams()
	return &Config{
		Thresholds:      ThresholdsConfig{Warn: sup.Thresholds.Warn, Crit: sup.Thresholds.Crit},
		MaxGuardians:    sup.MaxGuardians,
		BistTimeout:     sup.BistTimeout,
		ReconfigTimeout: sup.ReconfigTimeout,
		TickInterval:    10 * time.Millisecond,
		Journal:         JournalConfig{Path: "shm.db"},
		Platform: PlatformConfig{
			Mode:        "sim",
			CallTimeout: 20 * time.Millisecond,
			Sim: SimConfig{
				Seed:                1,
				Interval:            wl.Interval,
				AlertProb:           wl.AlertProb,
				ScoreMean:           wl.ScoreMean,
				ScoreStdDev:         wl.ScoreStdDev,
				BistFailProb:        wl.BistFailProb,
				ReconfigFailureProb: wl.ReconfigFailureProb,
				BistLatency:         200 * time.Millisecond,
				ReconfigLatency:     2 * time.Second,
			},
		},
		Log:  LogConfig{Level: "info", Format: "json"},
		HTTP: HTTPConfig{Addr: "127.0.0.1:9464"},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

// #endregion defaults

// #region conversions
// Supervisor converts to the state machine configuration and validates it.
func (c *Config) Supervisor() (supervisor.Config, error) {
	blocks := make([]guardian.BlockID, 0, len(c.Blocks))
	for _, b := range c.Blocks {
		blocks = append(blocks, guardian.BlockID(b))
	}
	sc := supervisor.Config{
		Thresholds:      supervisor.Thresholds{Warn: c.Thresholds.Warn, Crit: c.Thresholds.Crit},
		MaxGuardians:    c.MaxGuardians,
		Blocks:          blocks,
		BistTimeout:     c.BistTimeout,
		ReconfigTimeout: c.ReconfigTimeout,
	}
	if err := sc.Validate(); err != nil {
		return supervisor.Config{}, fmt.Errorf("supervisor config: %w", err)
	}
	return sc, nil
}

// Logging converts to the logger configuration.
func (c *Config) Logging() logging.Config {
	lc := logging.DefaultConfig()
	lc.Level = c.Log.Level
	lc.Format = c.Log.Format
	return lc
}

// Workload converts to the simulated workload parameters.
func (c *Config) Workload() sim.WorkloadParams {
	s := c.Platform.Sim
	return sim.WorkloadParams{
		Interval:            s.Interval,
		AlertProb:           s.AlertProb,
		ScoreMean:           s.ScoreMean,
		ScoreStdDev:         s.ScoreStdDev,
		BistFailProb:        s.BistFailProb,
		ReconfigFailureProb: s.ReconfigFailureProb,
		MaxGuardians:        c.MaxGuardians,
	}
}

// #endregion conversions
