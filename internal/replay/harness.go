package replay

import (
	"fmt"
	"strings"
	"time"

	"github.com/danielpatrickdp/shm-controller/internal/clock"
	"github.com/danielpatrickdp/shm-controller/internal/guardian"
	"github.com/danielpatrickdp/shm-controller/internal/platform/sim"
	"github.com/danielpatrickdp/shm-controller/internal/scheduler"
	"github.com/danielpatrickdp/shm-controller/internal/supervisor"
)

// #region types
// TickResult records the state after one tick.
type TickResult struct {
	Tick int
	Mode supervisor.Mode
}

// ReplayResult captures a whole fixture run.
type ReplayResult struct {
	Ticks       []TickResult
	Events      []supervisor.Event
	Transitions []string // "from>to"
	Final       supervisor.State
	Stats       sim.Stats
	ResetErrors []error
}

// ReplaySummary provides aggregate stats from a replay run.
type ReplaySummary struct {
	TotalTicks   int
	Episodes     int
	Swaps        int
	Degradations int
	Resets       int
	Ignored      int
	FinalMode    supervisor.Mode
}

type eventLog struct {
	events []supervisor.Event
}

func (l *eventLog) Record(ev supervisor.Event) {
	l.events = append(l.events, ev)
}

// #endregion types

// #region replay
// Replay runs f against the simulated platform on a manual clock. Steps
// scheduled for a tick are applied before that tick: resets first, then
// alerts are queued.
func Replay(f *Fixture) (*ReplayResult, error) {
	tick := time.Duration(f.TickMS) * time.Millisecond
	if tick <= 0 {
		tick = 10 * time.Millisecond
	}

	clk := clock.NewManual(time.Time{})
	plat := sim.New(clk,
		sim.WithBistLatency(time.Duration(f.Platform.BistLatencyMS)*time.Millisecond),
		sim.WithReconfigLatency(time.Duration(f.Platform.ReconfigLatencyMS)*time.Millisecond),
	)
	if err := scriptPlatform(plat, f.Platform); err != nil {
		return nil, err
	}

	m, err := supervisor.NewMachine(f.Config.ToConfig(), plat, supervisor.WithClock(clk))
	if err != nil {
		return nil, fmt.Errorf("build machine: %w", err)
	}
	events := &eventLog{}
	loop := scheduler.New(m, plat, events)

	if f.Restore != nil {
		prev, err := f.Restore.ToState()
		if err != nil {
			return nil, err
		}
		if err := loop.Restore(prev); err != nil {
			return nil, err
		}
	}

	steps := make(map[int][]FixtureStep)
	for _, s := range f.Steps {
		steps[s.Tick] = append(steps[s.Tick], s)
	}

	res := &ReplayResult{}
	for i := 0; i < f.Ticks; i++ {
		for _, s := range steps[i] {
			if s.Reset != nil {
				if _, err := loop.ApplyReset(supervisor.ResetCommand{Operator: s.Reset.Operator, Reason: s.Reset.Reason}); err != nil {
					res.ResetErrors = append(res.ResetErrors, err)
				}
			}
			for _, a := range s.Alerts {
				plat.Inject(a.ToAlert(clock.Micros(clk.Now())))
			}
		}
		st := loop.Tick()
		res.Ticks = append(res.Ticks, TickResult{Tick: i, Mode: st.Mode()})
		clk.Advance(tick)
	}

	res.Events = events.events
	for _, ev := range res.Events {
		if ev.Transitioned() {
			res.Transitions = append(res.Transitions, ev.From.String()+">"+ev.To.String())
		}
	}
	res.Final = m.State()
	res.Stats = plat.Stats()
	return res, nil
}

func scriptPlatform(p *sim.Platform, fp FixturePlatform) error {
	for b, s := range fp.BistOutcomes {
		r, err := guardian.ParseBistResult(s)
		if err != nil {
			return fmt.Errorf("bist outcome for block %d: %w", b, err)
		}
		p.SetBistOutcome(guardian.BlockID(b), r)
	}
	for b, s := range fp.ReconfigOutcomes {
		r, err := guardian.ParseReconfigResult(s)
		if err != nil {
			return fmt.Errorf("reconfig outcome for block %d: %w", b, err)
		}
		p.SetReconfigOutcome(guardian.BlockID(b), r)
	}
	for _, b := range fp.HangBist {
		p.HangBist(guardian.BlockID(b))
	}
	for _, b := range fp.HangReconfig {
		p.HangReconfig(guardian.BlockID(b))
	}
	return nil
}

// Summarize computes aggregate stats from a replay result.
func Summarize(r *ReplayResult) ReplaySummary {
	s := ReplaySummary{TotalTicks: len(r.Ticks)}
	if r.Final != nil {
		s.FinalMode = r.Final.Mode()
	}
	for _, ev := range r.Events {
		switch ev.Code {
		case supervisor.EventAlertIgnored:
			s.Ignored++
		case supervisor.EventReset:
			s.Resets++
		}
		if !ev.Transitioned() {
			continue
		}
		switch {
		case ev.From == supervisor.ModeMonitor && ev.To == supervisor.ModeVerify:
			s.Episodes++
		case ev.To == supervisor.ModeSwap:
			s.Swaps++
		case ev.To == supervisor.ModeDegraded && ev.From != supervisor.ModeDegraded:
			s.Degradations++
		}
	}
	return s
}

// #endregion replay

// #region check
// Check compares a result against the fixture expectations and returns one
// line per mismatch.
func (f *Fixture) Check(r *ReplayResult) []string {
	var diffs []string
	exp := f.Expected

	if got := r.Final.Mode().String(); got != exp.FinalMode {
		diffs = append(diffs, fmt.Sprintf("final mode: expected %s, got %s", exp.FinalMode, got))
	}
	if exp.FinalReason != "" {
		got := ""
		if d, ok := r.Final.(supervisor.Degraded); ok {
			got = string(d.Reason)
		}
		if got != exp.FinalReason {
			diffs = append(diffs, fmt.Sprintf("final reason: expected %s, got %q", exp.FinalReason, got))
		}
	}
	if strings.Join(r.Transitions, " ") != strings.Join(exp.Transitions, " ") {
		diffs = append(diffs, fmt.Sprintf("transitions: expected [%s], got [%s]",
			strings.Join(exp.Transitions, " "), strings.Join(r.Transitions, " ")))
	}
	if exp.BistStarted != nil && *exp.BistStarted != r.Stats.BistStarted {
		diffs = append(diffs, fmt.Sprintf("bist started: expected %d, got %d", *exp.BistStarted, r.Stats.BistStarted))
	}
	if exp.ReconfigStarted != nil && *exp.ReconfigStarted != r.Stats.ReconfigStarted {
		diffs = append(diffs, fmt.Sprintf("reconfig started: expected %d, got %d", *exp.ReconfigStarted, r.Stats.ReconfigStarted))
	}
	if exp.ResetErrors != len(r.ResetErrors) {
		diffs = append(diffs, fmt.Sprintf("reset errors: expected %d, got %d", exp.ResetErrors, len(r.ResetErrors)))
	}
	return diffs
}

// #endregion check
