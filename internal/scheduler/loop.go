package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/danielpatrickdp/shm-controller/internal/guardian"
	"github.com/danielpatrickdp/shm-controller/internal/metrics"
	"github.com/danielpatrickdp/shm-controller/internal/supervisor"
)

// #region interfaces
// EventSink records supervisor events. Record must not block the tick.
type EventSink interface {
	Record(ev supervisor.Event)
}

// Journal persists transitions. journal.Recorder implements it.
type Journal interface {
	Observe(ev supervisor.Event, st supervisor.State) (int64, error)
	ObserveReset(ev supervisor.Event, st supervisor.State, cmd supervisor.ResetCommand) (int64, error)
	Episode() string
}

// #endregion interfaces

// #region status
// Status is a point-in-time view of the loop, safe to read from any goroutine.
type Status struct {
	Mode    string     `json:"mode"`
	Block   *uint16    `json:"block,omitempty"`
	Score   *uint16    `json:"score,omitempty"`
	Cause   string     `json:"cause,omitempty"`
	Reason  string     `json:"reason,omitempty"`
	Since   *time.Time `json:"since,omitempty"`
	Episode string     `json:"episode,omitempty"`
	Ticks   uint64     `json:"ticks"`
}

func statusOf(st supervisor.State) Status {
	s := Status{Mode: st.Mode().String()}
	set := func(b guardian.BlockID, since time.Time) {
		blk := uint16(b)
		s.Block = &blk
		s.Since = &since
	}
	switch v := st.(type) {
	case supervisor.Verify:
		set(v.Alert.BlockID, v.Since)
		score := v.Alert.AnomalyScore
		s.Score = &score
	case supervisor.Swap:
		set(v.Alert.BlockID, v.Since)
		score := v.Alert.AnomalyScore
		s.Score = &score
		s.Cause = string(v.Cause)
	case supervisor.Degraded:
		set(v.Block, v.Since)
		s.Reason = string(v.Reason)
	}
	return s
}

// #endregion status

// #region loop
// Loop drives a Machine: one Advance per tick, effects dispatched in order.
// The goroutine calling Tick or Serve owns the machine; resets from other
// goroutines go through Reset and are applied between ticks.
type Loop struct {
	m        *supervisor.Machine
	act      supervisor.Actuator
	sink     EventSink
	journal  Journal
	metrics  *metrics.Metrics
	log      zerolog.Logger
	interval time.Duration

	resets chan resetRequest
	ticks  uint64
	status atomic.Pointer[Status]
}

type resetRequest struct {
	cmd   supervisor.ResetCommand
	reply chan resetReply
}

type resetReply struct {
	status Status
	err    error
}

// Option configures a Loop.
type Option func(*Loop)

// WithJournal persists transitions through j.
func WithJournal(j Journal) Option {
	return func(l *Loop) { l.journal = j }
}

// WithMetrics records collectors on every tick.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// WithLogger sets the logger for dispatch failures.
func WithLogger(log zerolog.Logger) Option {
	return func(l *Loop) { l.log = log }
}

// WithInterval sets the tick period used by Serve.
func WithInterval(d time.Duration) Option {
	return func(l *Loop) { l.interval = d }
}

// New returns a loop around m. act carries out start requests and sink
// receives every Log effect.
func New(m *supervisor.Machine, act supervisor.Actuator, sink EventSink, opts ...Option) *Loop {
	l := &Loop{
		m:        m,
		act:      act,
		sink:     sink,
		log:      zerolog.Nop(),
		interval: 10 * time.Millisecond,
		resets:   make(chan resetRequest),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.publish(m.State())
	return l
}

// #endregion loop

// #region tick
// Tick advances the machine once and dispatches its effects.
func (l *Loop) Tick() supervisor.State {
	start := time.Now()
	st, effects := l.m.Advance()
	st = l.dispatch(st, effects, nil)
	l.ticks++
	if l.metrics != nil {
		l.metrics.ObserveTick(time.Since(start))
	}
	l.publish(st)
	return st
}

// Restore rebuilds a journaled state before the first tick.
func (l *Loop) Restore(prev supervisor.State) error {
	st, effects, err := l.m.Restore(prev)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	st = l.dispatch(st, effects, nil)
	l.publish(st)
	return nil
}

// ApplyReset clears Degraded. It must be called from the goroutine that
// drives Tick; other goroutines use Reset.
func (l *Loop) ApplyReset(cmd supervisor.ResetCommand) (Status, error) {
	st, effects, err := l.m.Reset(cmd)
	if err != nil {
		return l.Status(), err
	}
	st = l.dispatch(st, effects, &cmd)
	l.publish(st)
	return l.Status(), nil
}

// dispatch carries out effects and returns the state they leave the machine
// in. A refused start is reported back to the machine once the tick's own
// log effects are out, so the journal keeps transitions in order.
func (l *Loop) dispatch(st supervisor.State, effects []supervisor.Effect, reset *supervisor.ResetCommand) supervisor.State {
	type refusal struct {
		effect supervisor.Effect
		err    error
	}
	var refused []refusal
	for _, e := range effects {
		if l.metrics != nil {
			l.metrics.ObserveEffect(e)
		}
		switch v := e.(type) {
		case supervisor.StartBist:
			if err := l.act.StartBist(v.Block); err != nil {
				l.actuatorFailed("start_bist", v.Block, err)
				refused = append(refused, refusal{e, err})
			}
		case supervisor.StartReconfig:
			if err := l.act.StartReconfig(v.Block); err != nil {
				l.actuatorFailed("start_reconfig", v.Block, err)
				refused = append(refused, refusal{e, err})
			}
		case supervisor.Log:
			l.sink.Record(v.Event)
			l.record(v.Event, st, reset)
		}
	}
	for _, r := range refused {
		var more []supervisor.Effect
		st, more = l.m.StartRefused(r.effect, r.err)
		st = l.dispatch(st, more, nil)
	}
	if l.metrics != nil {
		l.metrics.SetMode(st.Mode())
	}
	return st
}

func (l *Loop) actuatorFailed(kind string, block guardian.BlockID, err error) {
	l.log.Error().Err(err).Str("effect", kind).Uint16("block", uint16(block)).Msg("actuator refused start")
	if l.metrics != nil {
		l.metrics.ActuatorErrors.WithLabelValues(kind).Inc()
	}
}

func (l *Loop) record(ev supervisor.Event, st supervisor.State, reset *supervisor.ResetCommand) {
	if l.journal == nil || !ev.Transitioned() {
		return
	}
	var err error
	if reset != nil && ev.Code == supervisor.EventReset {
		_, err = l.journal.ObserveReset(ev, st, *reset)
	} else {
		_, err = l.journal.Observe(ev, st)
	}
	if err != nil {
		l.log.Error().Err(err).Str("from", ev.From.String()).Str("to", ev.To.String()).Msg("journal transition")
		if l.metrics != nil {
			l.metrics.JournalErrors.Inc()
		}
	}
}

func (l *Loop) publish(st supervisor.State) {
	s := statusOf(st)
	s.Ticks = l.ticks
	if l.journal != nil {
		s.Episode = l.journal.Episode()
	}
	l.status.Store(&s)
}

// Status returns the last published status.
func (l *Loop) Status() Status {
	return *l.status.Load()
}

// #endregion tick

// #region serve
// Serve ticks every interval until ctx is cancelled. It implements
// suture.Service.
func (l *Loop) Serve(ctx context.Context) error {
	t := time.NewTicker(l.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			l.Tick()
		case req := <-l.resets:
			st, err := l.ApplyReset(req.cmd)
			req.reply <- resetReply{status: st, err: err}
		}
	}
}

// Reset hands cmd to the serving goroutine and waits for the outcome.
func (l *Loop) Reset(ctx context.Context, cmd supervisor.ResetCommand) (Status, error) {
	req := resetRequest{cmd: cmd, reply: make(chan resetReply, 1)}
	select {
	case l.resets <- req:
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
	select {
	case r := <-req.reply:
		return r.status, r.err
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

func (l *Loop) String() string {
	return "supervisor-loop"
}

// #endregion serve
