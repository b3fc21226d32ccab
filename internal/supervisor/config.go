package supervisor

import (
	"errors"
	"fmt"
	"time"

	"github.com/danielpatrickdp/shm-controller/internal/guardian"
)

// #region errors
var (
	ErrInvalidConfig   = errors.New("invalid supervisor config")
	ErrNotDegraded     = errors.New("machine is not degraded")
	ErrMissingOperator = errors.New("reset requires an operator")
	ErrAlreadyRunning  = errors.New("machine has already advanced")
)

// #endregion errors

// #region thresholds
// Thresholds holds the anomaly score cut-offs.
type Thresholds struct {
	Warn uint16 // at or above: run a self-test
	Crit uint16 // at or above: reconfigure even if the self-test passes
}

// DefaultThresholds returns the board firmware values.
func DefaultThresholds() Thresholds {
	return Thresholds{Warn: 400, Crit: 700}
}

// Validate rejects Crit below Warn.
func (t Thresholds) Validate() error {
	if t.Crit < t.Warn {
		return fmt.Errorf("%w: crit %d below warn %d", ErrInvalidConfig, t.Crit, t.Warn)
	}
	return nil
}

// #endregion thresholds

// #region config
// Config holds everything the machine needs to run.
type Config struct {
	Thresholds      Thresholds
	MaxGuardians    int
	Blocks          []guardian.BlockID // monitored blocks; empty means all of [0, MaxGuardians)
	BistTimeout     time.Duration
	ReconfigTimeout time.Duration
}

// DefaultConfig returns a config for the eight-guardian reference board.
func DefaultConfig() Config {
	return Config{
		Thresholds:      DefaultThresholds(),
		MaxGuardians:    guardian.DefaultMaxGuardians,
		BistTimeout:     2 * time.Second,
		ReconfigTimeout: 30 * time.Second,
	}
}

// Validate checks every field. The machine refuses to start otherwise.
func (c Config) Validate() error {
	if err := c.Thresholds.Validate(); err != nil {
		return err
	}
	if c.MaxGuardians < 1 || c.MaxGuardians > guardian.MaxGuardians {
		return fmt.Errorf("%w: max guardians %d outside [1, %d]", ErrInvalidConfig, c.MaxGuardians, guardian.MaxGuardians)
	}
	for _, b := range c.Blocks {
		if !b.Valid(c.MaxGuardians) {
			return fmt.Errorf("%w: block %d outside [0, %d)", ErrInvalidConfig, b, c.MaxGuardians)
		}
	}
	if c.BistTimeout <= 0 {
		return fmt.Errorf("%w: bist timeout must be positive, got %s", ErrInvalidConfig, c.BistTimeout)
	}
	if c.ReconfigTimeout <= 0 {
		return fmt.Errorf("%w: reconfig timeout must be positive, got %s", ErrInvalidConfig, c.ReconfigTimeout)
	}
	return nil
}

// #endregion config
