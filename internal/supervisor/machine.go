package supervisor

import (
	"fmt"
	"strings"
	"time"

	"github.com/danielpatrickdp/shm-controller/internal/clock"
	"github.com/danielpatrickdp/shm-controller/internal/guardian"
)

// #region collaborators
// Probe is the read side of the platform. Every call returns immediately;
// "not ready" and "nothing pending" are reported as ok=false.
type Probe interface {
	FetchAlert() (guardian.Alert, bool)
	PollBist(block guardian.BlockID) (guardian.BistResult, bool)
	PollReconfig() (guardian.ReconfigResult, bool)
}

// Actuator is the write side of the platform. The scheduler calls it to
// carry out StartBist and StartReconfig effects.
type Actuator interface {
	StartBist(block guardian.BlockID) error
	StartReconfig(block guardian.BlockID) error
}

// #endregion collaborators

// #region machine
// Machine is the supervisory state machine. It handles one fault-recovery
// episode at a time and is owned by a single goroutine.
type Machine struct {
	cfg       Config
	probe     Probe
	clock     clock.Clock
	monitored map[guardian.BlockID]bool // nil admits every valid block
	state     State
	advanced  bool
}

// Option customizes a Machine.
type Option func(*Machine)

// WithClock sets the time source used for operation timeouts.
func WithClock(c clock.Clock) Option {
	return func(m *Machine) { m.clock = c }
}

// NewMachine validates cfg and returns a machine in Monitor.
func NewMachine(cfg Config, probe Probe, opts ...Option) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if probe == nil {
		return nil, fmt.Errorf("%w: nil probe", ErrInvalidConfig)
	}
	m := &Machine{
		cfg:   cfg,
		probe: probe,
		clock: clock.Real{},
		state: Monitor{},
	}
	if len(cfg.Blocks) > 0 {
		m.monitored = make(map[guardian.BlockID]bool, len(cfg.Blocks))
		for _, b := range cfg.Blocks {
			m.monitored[b] = true
		}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// Active returns the alert under verification or swap, if any.
func (m *Machine) Active() (guardian.Alert, bool) {
	return Active(m.state)
}

// #endregion machine

// #region advance
// Advance runs one tick and returns the resulting state and the effects the
// caller must carry out. It never blocks: each tick makes at most one
// FetchAlert call and at most one poll.
func (m *Machine) Advance() (State, []Effect) {
	m.advanced = true
	now := m.clock.Now()

	var effects []Effect
	switch s := m.state.(type) {
	case Monitor:
		effects = m.monitor(now)
	case Verify:
		effects = m.verify(s, now)
	case Swap:
		effects = m.swap(s, now)
	case Degraded:
		effects = m.ignorePending(now)
	}
	return m.state, effects
}

func (m *Machine) monitor(now time.Time) []Effect {
	alert, ok := m.probe.FetchAlert()
	if !ok {
		return nil
	}

	if !m.admits(alert.BlockID) {
		return []Effect{m.note(now, Event{
			Code:    EventAlertRejected,
			Level:   LevelWarn,
			Message: fmt.Sprintf("alert for unmonitored block %d dropped", alert.BlockID),
			Block:   alert.BlockID,
			Score:   alert.AnomalyScore,
		})}
	}

	if !m.cfg.Thresholds.Warrants(alert.AnomalyScore) {
		return []Effect{m.note(now, Event{
			Code:    EventAlertBelowWarn,
			Level:   LevelDebug,
			Message: "anomaly below warn threshold",
			Block:   alert.BlockID,
			Score:   alert.AnomalyScore,
		})}
	}

	// BIST results come from the self-test, never from the alert source.
	alert = alert.WithBistResult(guardian.BistUnknown)
	return m.move(Verify{Alert: alert, Since: now}, now, Event{
		Code:    EventTransition,
		Message: "anomaly at or above warn, starting self-test",
	}, StartBist{Block: alert.BlockID})
}

func (m *Machine) verify(s Verify, now time.Time) []Effect {
	result, done := m.probe.PollBist(s.Alert.BlockID)
	if !done {
		if now.Sub(s.Since) >= m.cfg.BistTimeout {
			return m.degrade(s.Alert.BlockID, ReasonBistTimeout, now,
				fmt.Sprintf("self-test outstanding for %s", now.Sub(s.Since)))
		}
		return m.ignorePending(now)
	}

	tested := s.Alert.WithBistResult(result)
	cause, escalate := m.cfg.Thresholds.Escalate(tested)
	if !escalate {
		return m.move(Monitor{}, now, Event{
			Code:    EventTransition,
			Message: "self-test passed below crit, resuming monitor",
		})
	}

	msg := "self-test failed, starting reconfiguration"
	if cause == CauseCriticalPass {
		msg = "self-test passed but anomaly is critical, starting reconfiguration"
	}
	return m.move(Swap{Alert: tested, Cause: cause, Since: now}, now, Event{
		Code:    EventTransition,
		Message: msg,
		Cause:   cause,
	}, StartReconfig{Block: tested.BlockID})
}

func (m *Machine) swap(s Swap, now time.Time) []Effect {
	result, done := m.probe.PollReconfig()
	if !done {
		if now.Sub(s.Since) >= m.cfg.ReconfigTimeout {
			return m.degrade(s.Alert.BlockID, ReasonReconfigTimeout, now,
				fmt.Sprintf("reconfiguration outstanding for %s", now.Sub(s.Since)))
		}
		return m.ignorePending(now)
	}

	if result != guardian.ReconfigSuccess {
		return m.degrade(s.Alert.BlockID, ReasonReconfigFailed, now, "reconfiguration failed")
	}
	return m.move(Monitor{}, now, Event{
		Code:    EventTransition,
		Message: "reconfiguration succeeded, resuming monitor",
		Cause:   s.Cause,
	})
}

func (m *Machine) degrade(block guardian.BlockID, reason Reason, now time.Time, msg string) []Effect {
	return m.move(Degraded{Block: block, Reason: reason, Since: now}, now, Event{
		Code:    EventTransition,
		Message: msg,
		Reason:  reason,
	})
}

// StartRefused reports that the platform rejected a start the machine asked
// for. A refused start means any later completion belongs to some other
// operation, so the episode is abandoned. Refusals for an effect that no
// longer matches the current state are ignored.
func (m *Machine) StartRefused(e Effect, err error) (State, []Effect) {
	var block guardian.BlockID
	switch v := e.(type) {
	case StartBist:
		s, ok := m.state.(Verify)
		if !ok || s.Alert.BlockID != v.Block {
			return m.state, nil
		}
		block = v.Block
	case StartReconfig:
		s, ok := m.state.(Swap)
		if !ok || s.Alert.BlockID != v.Block {
			return m.state, nil
		}
		block = v.Block
	default:
		return m.state, nil
	}
	effects := m.degrade(block, ReasonStartRefused, m.clock.Now(), fmt.Sprintf("platform refused start: %v", err))
	return m.state, effects
}

// ignorePending drains at most one alert that arrived while an episode is
// in progress or the machine is degraded.
func (m *Machine) ignorePending(now time.Time) []Effect {
	alert, ok := m.probe.FetchAlert()
	if !ok {
		return nil
	}
	return []Effect{m.note(now, Event{
		Code:    EventAlertIgnored,
		Level:   LevelDebug,
		Message: fmt.Sprintf("alert ignored while %s", m.state.Mode()),
		Block:   alert.BlockID,
		Score:   alert.AnomalyScore,
	})}
}

func (m *Machine) admits(b guardian.BlockID) bool {
	if !b.Valid(m.cfg.MaxGuardians) {
		return false
	}
	return m.monitored == nil || m.monitored[b]
}

// #endregion advance

// #region reset-restore
// ResetCommand is the operator action that clears Degraded.
type ResetCommand struct {
	Operator string
	Reason   string
}

// Reset returns a degraded machine to Monitor. It is the only way out of
// Degraded and fails without side effects in any other state.
func (m *Machine) Reset(cmd ResetCommand) (State, []Effect, error) {
	d, ok := m.state.(Degraded)
	if !ok {
		return m.state, nil, fmt.Errorf("reset from %s: %w", m.state.Mode(), ErrNotDegraded)
	}
	if strings.TrimSpace(cmd.Operator) == "" {
		return m.state, nil, fmt.Errorf("reset block %d: %w", d.Block, ErrMissingOperator)
	}

	now := m.clock.Now()
	msg := fmt.Sprintf("operator %s cleared degraded", cmd.Operator)
	if cmd.Reason != "" {
		msg += ": " + cmd.Reason
	}
	effects := m.move(Monitor{}, now, Event{
		Code:    EventReset,
		Message: msg,
		Reason:  d.Reason,
	})
	return m.state, effects, nil
}

// Restore rebuilds the state journaled by a previous run. It must be called
// before the first Advance. An interrupted Verify resumes in Monitor since a
// self-test leaves the block untouched; an interrupted Swap becomes Degraded
// because the block may be half reconfigured.
func (m *Machine) Restore(prev State) (State, []Effect, error) {
	if m.advanced {
		return m.state, nil, ErrAlreadyRunning
	}

	now := m.clock.Now()
	var next State
	var reason Reason
	switch p := prev.(type) {
	case nil, Monitor:
		return m.state, nil, nil
	case Verify:
		next = Monitor{}
	case Swap:
		reason = ReasonInterrupted
		next = Degraded{Block: p.Alert.BlockID, Reason: reason, Since: now}
	case Degraded:
		if !p.Block.Valid(m.cfg.MaxGuardians) {
			return m.state, nil, fmt.Errorf("%w: restored block %d outside [0, %d)", ErrInvalidConfig, p.Block, m.cfg.MaxGuardians)
		}
		reason = p.Reason
		if p.Since.IsZero() {
			p.Since = now
		}
		next = p
	default:
		return m.state, nil, fmt.Errorf("restore: unsupported state %T", prev)
	}

	ev := Event{
		Code:    EventRestored,
		Message: fmt.Sprintf("restored from journaled %s", prev.Mode()),
		Reason:  reason,
	}
	// Report the block the previous run was working on.
	m.state = prev
	effects := m.move(next, now, ev)
	return m.state, effects, nil
}

// #endregion reset-restore

// #region events
// move switches to next and returns effects followed by the transition log.
func (m *Machine) move(next State, now time.Time, ev Event, effects ...Effect) []Effect {
	prev := m.state
	ev.From = prev.Mode()
	ev.To = next.Mode()
	ev.At = now
	ev.Block, ev.Score = subject(prev, next)
	switch {
	case ev.To == ModeDegraded:
		ev.Level = LevelError
	case ev.To == ModeSwap || ev.Code == EventReset:
		ev.Level = LevelWarn
	default:
		ev.Level = LevelInfo
	}
	m.state = next
	return append(effects, Log{Event: ev})
}

func (m *Machine) note(now time.Time, ev Event) Effect {
	ev.From = m.state.Mode()
	ev.To = ev.From
	ev.At = now
	return Log{Event: ev}
}

// subject picks the block and score a transition is about.
func subject(prev, next State) (guardian.BlockID, uint16) {
	if a, ok := Active(next); ok {
		return a.BlockID, a.AnomalyScore
	}
	if a, ok := Active(prev); ok {
		return a.BlockID, a.AnomalyScore
	}
	if d, ok := next.(Degraded); ok {
		return d.Block, 0
	}
	if d, ok := prev.(Degraded); ok {
		return d.Block, 0
	}
	return 0, 0
}

// #endregion events
