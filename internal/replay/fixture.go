package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/danielpatrickdp/shm-controller/internal/guardian"
	"github.com/danielpatrickdp/shm-controller/internal/supervisor"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture.
type Fixture struct {
	Description string          `json:"description"`
	Config      FixtureConfig   `json:"config"`
	Platform    FixturePlatform `json:"platform"`
	Restore     *FixtureState   `json:"restore,omitempty"`
	TickMS      int             `json:"tick_ms"`
	Ticks       int             `json:"ticks"`
	Steps       []FixtureStep   `json:"steps"`
	Expected    FixtureExpected `json:"expected"`
}

// FixtureConfig mirrors supervisor.Config with JSON tags.
type FixtureConfig struct {
	Warn              uint16   `json:"warn"`
	Crit              uint16   `json:"crit"`
	MaxGuardians      int      `json:"max_guardians"`
	Blocks            []uint16 `json:"blocks,omitempty"`
	BistTimeoutMS     int      `json:"bist_timeout_ms"`
	ReconfigTimeoutMS int      `json:"reconfig_timeout_ms"`
}

// FixturePlatform scripts the simulated platform.
type FixturePlatform struct {
	BistLatencyMS     int               `json:"bist_latency_ms"`
	ReconfigLatencyMS int               `json:"reconfig_latency_ms"`
	BistOutcomes      map[uint16]string `json:"bist_outcomes,omitempty"`
	ReconfigOutcomes  map[uint16]string `json:"reconfig_outcomes,omitempty"`
	HangBist          []uint16          `json:"hang_bist,omitempty"`
	HangReconfig      []uint16          `json:"hang_reconfig,omitempty"`
}

// FixtureState is a journaled state to restore before the first tick.
type FixtureState struct {
	Mode   string `json:"mode"`
	Block  uint16 `json:"block"`
	Score  uint16 `json:"score"`
	Cause  string `json:"cause,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// FixtureAlert mirrors guardian.Alert with JSON tags.
type FixtureAlert struct {
	BlockID      uint16 `json:"block_id"`
	AnomalyScore int    `json:"anomaly_score"`
	FeatureCRC   uint32 `json:"feature_crc,omitempty"`
}

// FixtureReset is an operator reset applied before a tick.
type FixtureReset struct {
	Operator string `json:"operator"`
	Reason   string `json:"reason,omitempty"`
}

// FixtureStep injects alerts and resets before tick Tick.
type FixtureStep struct {
	Tick   int            `json:"tick"`
	Alerts []FixtureAlert `json:"alerts,omitempty"`
	Reset  *FixtureReset  `json:"reset,omitempty"`
}

// FixtureExpected captures the expected outcome of a run.
type FixtureExpected struct {
	FinalMode       string   `json:"final_mode"`
	FinalReason     string   `json:"final_reason,omitempty"`
	Transitions     []string `json:"transitions"`
	BistStarted     *int     `json:"bist_started,omitempty"`
	ReconfigStarted *int     `json:"reconfig_started,omitempty"`
	ResetErrors     int      `json:"reset_errors,omitempty"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return &f, nil
}

// ToConfig converts a FixtureConfig to a supervisor.Config. Zero fields
// take the supervisor defaults.
func (fc *FixtureConfig) ToConfig() supervisor.Config {
	cfg := supervisor.DefaultConfig()
	if fc.Warn != 0 || fc.Crit != 0 {
		cfg.Thresholds = supervisor.Thresholds{Warn: fc.Warn, Crit: fc.Crit}
	}
	if fc.MaxGuardians != 0 {
		cfg.MaxGuardians = fc.MaxGuardians
	}
	for _, b := range fc.Blocks {
		cfg.Blocks = append(cfg.Blocks, guardian.BlockID(b))
	}
	if fc.BistTimeoutMS != 0 {
		cfg.BistTimeout = time.Duration(fc.BistTimeoutMS) * time.Millisecond
	}
	if fc.ReconfigTimeoutMS != 0 {
		cfg.ReconfigTimeout = time.Duration(fc.ReconfigTimeoutMS) * time.Millisecond
	}
	return cfg
}

// ToAlert converts a FixtureAlert to a guardian.Alert, saturating the score.
func (fa *FixtureAlert) ToAlert(ts uint64) guardian.Alert {
	return guardian.Alert{
		BlockID:      guardian.BlockID(fa.BlockID),
		AnomalyScore: guardian.SaturatingScore(fa.AnomalyScore),
		FeatureCRC:   fa.FeatureCRC,
		TimestampUS:  ts,
	}
}

// ToState converts a FixtureState to a supervisor.State.
func (fs *FixtureState) ToState() (supervisor.State, error) {
	mode, err := supervisor.ParseMode(fs.Mode)
	if err != nil {
		return nil, fmt.Errorf("restore state: %w", err)
	}
	alert := guardian.Alert{BlockID: guardian.BlockID(fs.Block), AnomalyScore: fs.Score}
	switch mode {
	case supervisor.ModeVerify:
		return supervisor.Verify{Alert: alert}, nil
	case supervisor.ModeSwap:
		return supervisor.Swap{Alert: alert, Cause: supervisor.Cause(fs.Cause)}, nil
	case supervisor.ModeDegraded:
		return supervisor.Degraded{Block: alert.BlockID, Reason: supervisor.Reason(fs.Reason)}, nil
	}
	return supervisor.Monitor{}, nil
}

// #endregion fixture-loader
