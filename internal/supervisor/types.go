package supervisor

import (
	"fmt"
	"time"

	"github.com/danielpatrickdp/shm-controller/internal/guardian"
)

// #region mode
// Mode names the four supervisory states.
type Mode int

const (
	ModeMonitor Mode = iota
	ModeVerify
	ModeSwap
	ModeDegraded
)

func (m Mode) String() string {
	switch m {
	case ModeMonitor:
		return "monitor"
	case ModeVerify:
		return "verify"
	case ModeSwap:
		return "swap"
	case ModeDegraded:
		return "degraded"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseMode is the inverse of Mode.String.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "monitor":
		return ModeMonitor, nil
	case "verify":
		return ModeVerify, nil
	case "swap":
		return ModeSwap, nil
	case "degraded":
		return ModeDegraded, nil
	}
	return ModeMonitor, fmt.Errorf("unknown mode %q", s)
}

// #endregion mode

// #region state
// State is the current supervisory state. Each variant carries only the data
// that is meaningful in it: Monitor has no active alert, Degraded keeps the
// block and the reason but not the alert.
type State interface {
	Mode() Mode
	isState()
}

// Monitor waits for an alert at or above the warn threshold.
type Monitor struct{}

// Verify waits for the self-test of the active alert's block.
type Verify struct {
	Alert guardian.Alert
	Since time.Time
}

// Swap waits for the partial reconfiguration of the active alert's block.
type Swap struct {
	Alert guardian.Alert // BistResult is set
	Cause Cause
	Since time.Time
}

// Degraded means autonomous recovery has been abandoned for Block.
// Only an operator reset leaves it.
type Degraded struct {
	Block  guardian.BlockID
	Reason Reason
	Since  time.Time
}

func (Monitor) Mode() Mode  { return ModeMonitor }
func (Verify) Mode() Mode   { return ModeVerify }
func (Swap) Mode() Mode     { return ModeSwap }
func (Degraded) Mode() Mode { return ModeDegraded }

func (Monitor) isState()  {}
func (Verify) isState()   {}
func (Swap) isState()     {}
func (Degraded) isState() {}

// Active returns the alert held by s, if s holds one.
func Active(s State) (guardian.Alert, bool) {
	switch v := s.(type) {
	case Verify:
		return v.Alert, true
	case Swap:
		return v.Alert, true
	}
	return guardian.Alert{}, false
}

// #endregion state

// #region cause-reason
// Cause records why a block was sent to reconfiguration.
type Cause string

const (
	CauseBistFail     Cause = "bist_fail"
	CauseCriticalPass Cause = "critical_pass"
)

// Reason records why the machine entered Degraded.
type Reason string

const (
	ReasonReconfigFailed  Reason = "reconfig_failed"
	ReasonBistTimeout     Reason = "bist_timeout"
	ReasonReconfigTimeout Reason = "reconfig_timeout"
	ReasonInterrupted     Reason = "interrupted"
	ReasonStartRefused    Reason = "start_refused"
)

// #endregion cause-reason

// #region effects
// Effect is a request emitted by Advance. The machine never calls an
// actuator itself; the scheduler carries effects out after the tick.
type Effect interface {
	isEffect()
}

// StartBist asks the self-test service to test Block.
type StartBist struct {
	Block guardian.BlockID
}

// StartReconfig asks the reconfiguration service to replace Block.
type StartReconfig struct {
	Block guardian.BlockID
}

// Log asks the event sink to record Event.
type Log struct {
	Event Event
}

func (StartBist) isEffect()     {}
func (StartReconfig) isEffect() {}
func (Log) isEffect()           {}

// #endregion effects

// #region event
// Level is the severity of an Event.
type Level int8

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	}
	return "error"
}

// EventCode classifies an Event.
type EventCode string

const (
	EventTransition     EventCode = "transition"
	EventReset          EventCode = "reset"
	EventRestored       EventCode = "restored"
	EventAlertBelowWarn EventCode = "alert_below_warn"
	EventAlertRejected  EventCode = "alert_rejected"
	EventAlertIgnored   EventCode = "alert_ignored"
)

// Event is a structured record of something the machine decided.
// From and To are equal for events that did not change state.
type Event struct {
	Code    EventCode
	Level   Level
	Message string
	Block   guardian.BlockID
	Score   uint16
	From    Mode
	To      Mode
	Cause   Cause
	Reason  Reason
	At      time.Time
}

// Transitioned reports whether the event records a state change.
func (e Event) Transitioned() bool {
	return e.Code == EventTransition || e.Code == EventReset || e.Code == EventRestored
}

// #endregion event
