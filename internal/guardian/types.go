package guardian

import "fmt"

// #region constants
const (
	// DefaultMaxGuardians is the number of guardian-watched blocks on the reference board.
	DefaultMaxGuardians = 8

	// MaxGuardians is the largest supported guardian count.
	MaxGuardians = 0xFFFF

	// MaxScore is the saturation point of an anomaly score.
	MaxScore = 0xFFFF
)

// #endregion constants

// #region block-id
// BlockID identifies a reconfigurable logic block.
type BlockID uint16

// Valid reports whether the id addresses one of maxGuardians blocks.
func (b BlockID) Valid(maxGuardians int) bool {
	return int(b) < maxGuardians
}

// #endregion block-id

// #region bist-result
// BistResult is the tri-state outcome of a built-in self-test.
// The numeric values match the board firmware encoding.
type BistResult uint8

const (
	BistUnknown BistResult = 0
	BistPass    BistResult = 1
	BistFail    BistResult = 2
)

func (r BistResult) String() string {
	switch r {
	case BistPass:
		return "pass"
	case BistFail:
		return "fail"
	default:
		return "unknown"
	}
}

// ParseBistResult maps "pass" / "fail" / "unknown" (or "") to a BistResult.
func ParseBistResult(s string) (BistResult, error) {
	switch s {
	case "pass":
		return BistPass, nil
	case "fail":
		return BistFail, nil
	case "", "unknown":
		return BistUnknown, nil
	}
	return BistUnknown, fmt.Errorf("unknown bist result %q", s)
}

// #endregion bist-result

// #region reconfig-result
// ReconfigResult is the outcome of a partial reconfiguration.
type ReconfigResult uint8

const (
	ReconfigSuccess ReconfigResult = 1
	ReconfigFailure ReconfigResult = 2
)

func (r ReconfigResult) String() string {
	if r == ReconfigSuccess {
		return "success"
	}
	return "failure"
}

// ParseReconfigResult maps "success" / "failure" to a ReconfigResult.
func ParseReconfigResult(s string) (ReconfigResult, error) {
	switch s {
	case "success":
		return ReconfigSuccess, nil
	case "failure":
		return ReconfigFailure, nil
	}
	return ReconfigFailure, fmt.Errorf("unknown reconfig result %q", s)
}

// #endregion reconfig-result

// #region alert
// Alert is one anomaly observation reported by a guardian.
// Alerts are values; nothing mutates one after capture.
type Alert struct {
	BlockID      BlockID
	AnomalyScore uint16
	BistResult   BistResult // filled in from the self-test, never by the alert source
	FeatureCRC   uint32
	TimestampUS  uint64
}

// WithBistResult returns a copy of the alert carrying the given self-test result.
func (a Alert) WithBistResult(r BistResult) Alert {
	a.BistResult = r
	return a
}

// #endregion alert
