package supervisor

import "github.com/danielpatrickdp/shm-controller/internal/guardian"

// #region admission
// Warrants reports whether score is high enough to start a self-test.
func (t Thresholds) Warrants(score uint16) bool {
	return score >= t.Warn
}

// Critical reports whether score forces reconfiguration regardless of the
// self-test outcome.
func (t Thresholds) Critical(score uint16) bool {
	return score >= t.Crit
}

// #endregion admission

// #region escalation
// Escalate decides, for an alert whose self-test has completed, whether the
// block goes to reconfiguration and why.
//
// A failed test always escalates. A passing test escalates only when the
// score is critical. A service that reports completion without a verdict is
// treated as a failure.
func (t Thresholds) Escalate(tested guardian.Alert) (Cause, bool) {
	switch tested.BistResult {
	case guardian.BistPass:
		if t.Critical(tested.AnomalyScore) {
			return CauseCriticalPass, true
		}
		return "", false
	default:
		return CauseBistFail, true
	}
}

// #endregion escalation
