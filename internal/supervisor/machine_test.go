package supervisor

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/shm-controller/internal/clock"
	"github.com/danielpatrickdp/shm-controller/internal/guardian"
)

// #region fake-probe
// fakeProbe hands out queued alerts and one-shot poll results.
type fakeProbe struct {
	alerts []guardian.Alert

	bistReady  bool
	bistResult guardian.BistResult
	bistBlock  []guardian.BlockID

	reconfigReady  bool
	reconfigResult guardian.ReconfigResult

	fetches int
}

func (f *fakeProbe) FetchAlert() (guardian.Alert, bool) {
	f.fetches++
	if len(f.alerts) == 0 {
		return guardian.Alert{}, false
	}
	a := f.alerts[0]
	f.alerts = f.alerts[1:]
	return a, true
}

func (f *fakeProbe) PollBist(block guardian.BlockID) (guardian.BistResult, bool) {
	f.bistBlock = append(f.bistBlock, block)
	if !f.bistReady {
		return guardian.BistUnknown, false
	}
	f.bistReady = false
	return f.bistResult, true
}

func (f *fakeProbe) PollReconfig() (guardian.ReconfigResult, bool) {
	if !f.reconfigReady {
		return 0, false
	}
	f.reconfigReady = false
	return f.reconfigResult, true
}

func (f *fakeProbe) push(block guardian.BlockID, score uint16) {
	f.alerts = append(f.alerts, guardian.Alert{BlockID: block, AnomalyScore: score})
}

func (f *fakeProbe) completeBist(r guardian.BistResult) {
	f.bistReady, f.bistResult = true, r
}

func (f *fakeProbe) completeReconfig(r guardian.ReconfigResult) {
	f.reconfigReady, f.reconfigResult = true, r
}

// #endregion fake-probe

// #region helpers
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Thresholds = Thresholds{Warn: 400, Crit: 700}
	cfg.BistTimeout = 100 * time.Millisecond
	cfg.ReconfigTimeout = time.Second
	return cfg
}

func newTestMachine(t *testing.T) (*Machine, *fakeProbe, *clock.Manual) {
	t.Helper()
	probe := &fakeProbe{}
	clk := clock.NewManual(time.Time{})
	m, err := NewMachine(testConfig(), probe, WithClock(clk))
	require.NoError(t, err)
	return m, probe, clk
}

// recorder accumulates every effect emitted across ticks.
type recorder struct {
	effects []Effect
}

func (r *recorder) step(m *Machine) State {
	s, effects := m.Advance()
	r.effects = append(r.effects, effects...)
	return s
}

func countOf[T Effect](effects []Effect) int {
	n := 0
	for _, e := range effects {
		if _, ok := e.(T); ok {
			n++
		}
	}
	return n
}

func transitions(effects []Effect) []Event {
	var out []Event
	for _, e := range effects {
		if l, ok := e.(Log); ok && l.Event.Transitioned() {
			out = append(out, l.Event)
		}
	}
	return out
}

// #endregion helpers

// #region scenarios
func TestScenarioWarnPassReturnsToMonitor(t *testing.T) {
	m, probe, _ := newTestMachine(t)
	rec := &recorder{}

	probe.push(3, 500)
	s := rec.step(m)
	require.Equal(t, ModeVerify, s.Mode())
	require.Equal(t, []Effect{StartBist{Block: 3}}, rec.effects[:1])

	probe.completeBist(guardian.BistPass)
	s = rec.step(m)
	assert.Equal(t, ModeMonitor, s.Mode())
	assert.Equal(t, 1, countOf[StartBist](rec.effects))
	assert.Equal(t, 0, countOf[StartReconfig](rec.effects))

	_, ok := m.Active()
	assert.False(t, ok, "active alert must be discarded on return to monitor")
}

func TestScenarioCriticalPassSwapsThenMonitors(t *testing.T) {
	m, probe, _ := newTestMachine(t)
	rec := &recorder{}

	probe.push(3, 750)
	require.Equal(t, ModeVerify, rec.step(m).Mode())

	probe.completeBist(guardian.BistPass)
	s := rec.step(m)
	require.Equal(t, ModeSwap, s.Mode())
	sw := s.(Swap)
	assert.Equal(t, CauseCriticalPass, sw.Cause)
	assert.Equal(t, guardian.BistPass, sw.Alert.BistResult)
	assert.Contains(t, rec.effects, Effect(StartReconfig{Block: 3}))

	probe.completeReconfig(guardian.ReconfigSuccess)
	assert.Equal(t, ModeMonitor, rec.step(m).Mode())
	assert.Equal(t, 1, countOf[StartReconfig](rec.effects))
}

func TestScenarioFailThenReconfigFailureDegrades(t *testing.T) {
	m, probe, _ := newTestMachine(t)
	rec := &recorder{}

	probe.push(5, 500)
	require.Equal(t, ModeVerify, rec.step(m).Mode())

	probe.completeBist(guardian.BistFail)
	s := rec.step(m)
	require.Equal(t, ModeSwap, s.Mode())
	assert.Equal(t, CauseBistFail, s.(Swap).Cause)
	assert.Contains(t, rec.effects, Effect(StartReconfig{Block: 5}))

	probe.completeReconfig(guardian.ReconfigFailure)
	s = rec.step(m)
	require.Equal(t, ModeDegraded, s.Mode())
	d := s.(Degraded)
	assert.Equal(t, guardian.BlockID(5), d.Block)
	assert.Equal(t, ReasonReconfigFailed, d.Reason)

	starts := countOf[StartBist](rec.effects) + countOf[StartReconfig](rec.effects)
	for i := 0; i < 10; i++ {
		probe.push(guardian.BlockID(i%8), 900)
		assert.Equal(t, ModeDegraded, rec.step(m).Mode())
	}
	assert.Equal(t, starts, countOf[StartBist](rec.effects)+countOf[StartReconfig](rec.effects),
		"degraded must not start any operation")
	assert.Empty(t, probe.alerts, "degraded drains pending alerts")
}

// #endregion scenarios

// #region properties
func TestBelowWarnStaysInMonitor(t *testing.T) {
	for _, score := range []uint16{0, 1, 200, 399} {
		m, probe, _ := newTestMachine(t)
		rec := &recorder{}
		probe.push(2, score)

		s := rec.step(m)
		assert.Equal(t, ModeMonitor, s.Mode(), "score %d", score)
		assert.Zero(t, countOf[StartBist](rec.effects), "score %d", score)
		assert.Zero(t, countOf[StartReconfig](rec.effects), "score %d", score)
		require.Len(t, rec.effects, 1)
		assert.Equal(t, EventAlertBelowWarn, rec.effects[0].(Log).Event.Code)
	}
}

func TestWarnBelowCritPassNeverReconfigures(t *testing.T) {
	for _, score := range []uint16{400, 550, 699} {
		m, probe, _ := newTestMachine(t)
		rec := &recorder{}
		probe.push(1, score)
		require.Equal(t, ModeVerify, rec.step(m).Mode())
		probe.completeBist(guardian.BistPass)
		require.Equal(t, ModeMonitor, rec.step(m).Mode())

		assert.Equal(t, 1, countOf[StartBist](rec.effects), "score %d", score)
		assert.Zero(t, countOf[StartReconfig](rec.effects), "score %d", score)
	}
}

func TestCriticalAlwaysReconfiguresOnce(t *testing.T) {
	for _, score := range []uint16{700, 800, guardian.MaxScore} {
		for _, result := range []guardian.BistResult{guardian.BistPass, guardian.BistFail} {
			m, probe, _ := newTestMachine(t)
			rec := &recorder{}
			probe.push(4, score)
			rec.step(m)
			probe.completeBist(result)
			require.Equal(t, ModeSwap, rec.step(m).Mode())
			probe.completeReconfig(guardian.ReconfigSuccess)
			require.Equal(t, ModeMonitor, rec.step(m).Mode())

			assert.Equal(t, 1, countOf[StartReconfig](rec.effects), "score %d result %s", score, result)
		}
	}
}

func TestUnknownCompletionEscalatesAsFailure(t *testing.T) {
	m, probe, _ := newTestMachine(t)
	probe.push(0, 450)
	m.Advance()
	probe.completeBist(guardian.BistUnknown)
	s, _ := m.Advance()
	require.Equal(t, ModeSwap, s.Mode())
	assert.Equal(t, CauseBistFail, s.(Swap).Cause)
}

func TestAlertsIgnoredDuringEpisode(t *testing.T) {
	m, probe, _ := newTestMachine(t)
	rec := &recorder{}
	probe.push(3, 750)
	rec.step(m)
	active, _ := m.Active()

	probe.push(6, 900)
	probe.push(7, 900)
	rec.step(m)
	rec.step(m)
	got, ok := m.Active()
	require.True(t, ok)
	assert.Equal(t, active, got)
	assert.Equal(t, 1, countOf[StartBist](rec.effects))
	assert.Equal(t, []guardian.BlockID{3, 3}, probe.bistBlock)

	probe.completeBist(guardian.BistPass)
	rec.step(m)
	probe.push(6, 900)
	rec.step(m)
	got, _ = m.Active()
	assert.Equal(t, guardian.BlockID(3), got.BlockID)
	assert.Zero(t, countOf[StartBist](rec.effects[1:]))
	assert.Equal(t, 1, countOf[StartReconfig](rec.effects))

	var ignored int
	for _, e := range rec.effects {
		if l, ok := e.(Log); ok && l.Event.Code == EventAlertIgnored {
			ignored++
		}
	}
	assert.Equal(t, 3, ignored)
}

func TestNotReadyIsIdempotent(t *testing.T) {
	m, probe, _ := newTestMachine(t)
	probe.push(3, 500)
	m.Advance()
	before, _ := m.Active()

	for i := 0; i < 5; i++ {
		s, effects := m.Advance()
		assert.Equal(t, ModeVerify, s.Mode())
		assert.Empty(t, effects)
	}
	after, _ := m.Active()
	assert.Equal(t, before, after)
}

func TestTransitionEventsCarryCause(t *testing.T) {
	m, probe, _ := newTestMachine(t)
	rec := &recorder{}
	probe.push(2, 800)
	rec.step(m)
	probe.completeBist(guardian.BistPass)
	rec.step(m)

	trs := transitions(rec.effects)
	require.Len(t, trs, 2)
	assert.Equal(t, ModeMonitor, trs[0].From)
	assert.Equal(t, ModeVerify, trs[0].To)
	assert.Equal(t, LevelInfo, trs[0].Level)
	assert.Equal(t, CauseCriticalPass, trs[1].Cause)
	assert.Equal(t, LevelWarn, trs[1].Level)
	assert.Equal(t, guardian.BlockID(2), trs[1].Block)
	assert.Equal(t, uint16(800), trs[1].Score)
}

// #endregion properties

// #region admission
func TestRejectsOutOfRangeBlock(t *testing.T) {
	m, probe, _ := newTestMachine(t)
	probe.push(guardian.DefaultMaxGuardians, 900)
	s, effects := m.Advance()
	assert.Equal(t, ModeMonitor, s.Mode())
	require.Len(t, effects, 1)
	assert.Equal(t, EventAlertRejected, effects[0].(Log).Event.Code)
}

func TestRejectsUnmonitoredBlock(t *testing.T) {
	cfg := testConfig()
	cfg.Blocks = []guardian.BlockID{1, 2}
	probe := &fakeProbe{}
	m, err := NewMachine(cfg, probe)
	require.NoError(t, err)

	probe.push(3, 900)
	s, _ := m.Advance()
	assert.Equal(t, ModeMonitor, s.Mode())

	probe.push(2, 900)
	s, _ = m.Advance()
	assert.Equal(t, ModeVerify, s.Mode())
}

func TestSourceBistResultIsCleared(t *testing.T) {
	m, probe, _ := newTestMachine(t)
	probe.alerts = append(probe.alerts, guardian.Alert{BlockID: 1, AnomalyScore: 500, BistResult: guardian.BistPass})
	m.Advance()
	a, ok := m.Active()
	require.True(t, ok)
	assert.Equal(t, guardian.BistUnknown, a.BistResult)
}

// #endregion admission

// #region timeouts
func TestBistTimeoutDegrades(t *testing.T) {
	m, probe, clk := newTestMachine(t)
	rec := &recorder{}
	probe.push(3, 500)
	rec.step(m)

	clk.Advance(99 * time.Millisecond)
	require.Equal(t, ModeVerify, rec.step(m).Mode())

	clk.Advance(time.Millisecond)
	s := rec.step(m)
	require.Equal(t, ModeDegraded, s.Mode())
	assert.Equal(t, ReasonBistTimeout, s.(Degraded).Reason)
	assert.Equal(t, guardian.BlockID(3), s.(Degraded).Block)
	assert.Zero(t, countOf[StartReconfig](rec.effects))

	trs := transitions(rec.effects)
	last := trs[len(trs)-1]
	assert.Equal(t, LevelError, last.Level)
	assert.Equal(t, ReasonBistTimeout, last.Reason)
}

func TestReconfigTimeoutDegrades(t *testing.T) {
	m, probe, clk := newTestMachine(t)
	probe.push(3, 500)
	m.Advance()
	probe.completeBist(guardian.BistFail)
	m.Advance()

	clk.Advance(time.Second)
	s, _ := m.Advance()
	require.Equal(t, ModeDegraded, s.Mode())
	assert.Equal(t, ReasonReconfigTimeout, s.(Degraded).Reason)
}

func TestRefusedReconfigStartDegrades(t *testing.T) {
	m, probe, _ := newTestMachine(t)
	probe.push(5, 750)
	m.Advance()
	probe.completeBist(guardian.BistPass)
	s, _ := m.Advance()
	require.Equal(t, ModeSwap, s.Mode())

	s, effects := m.StartRefused(StartReconfig{Block: 5}, errors.New("busy"))
	require.Equal(t, ModeDegraded, s.Mode())
	d := s.(Degraded)
	assert.Equal(t, ReasonStartRefused, d.Reason)
	assert.Equal(t, guardian.BlockID(5), d.Block)
	ev := transitions(effects)
	require.Len(t, ev, 1)
	assert.Equal(t, ModeSwap, ev[0].From)
	assert.Equal(t, LevelError, ev[0].Level)

	// A completion arriving now is never polled.
	probe.completeReconfig(guardian.ReconfigSuccess)
	s, _ = m.Advance()
	assert.Equal(t, ModeDegraded, s.Mode())
}

func TestStaleRefusalIsIgnored(t *testing.T) {
	m, probe, _ := newTestMachine(t)
	probe.push(2, 500)
	m.Advance()

	s, effects := m.StartRefused(StartBist{Block: 7}, errors.New("busy"))
	assert.Equal(t, ModeVerify, s.Mode())
	assert.Empty(t, effects)

	s, effects = m.StartRefused(StartReconfig{Block: 2}, errors.New("busy"))
	assert.Equal(t, ModeVerify, s.Mode())
	assert.Empty(t, effects)
}

func TestCompletionBeatsTimeoutOnSameTick(t *testing.T) {
	m, probe, clk := newTestMachine(t)
	probe.push(3, 500)
	m.Advance()
	clk.Advance(time.Hour)
	probe.completeBist(guardian.BistPass)
	s, _ := m.Advance()
	assert.Equal(t, ModeMonitor, s.Mode())
}

// #endregion timeouts

// #region reset
func degradedMachine(t *testing.T) (*Machine, *fakeProbe) {
	t.Helper()
	m, probe, _ := newTestMachine(t)
	probe.push(5, 500)
	m.Advance()
	probe.completeBist(guardian.BistFail)
	m.Advance()
	probe.completeReconfig(guardian.ReconfigFailure)
	s, _ := m.Advance()
	require.Equal(t, ModeDegraded, s.Mode())
	return m, probe
}

func TestResetOutsideDegradedFails(t *testing.T) {
	m, _, _ := newTestMachine(t)
	s, effects, err := m.Reset(ResetCommand{Operator: "ops"})
	require.ErrorIs(t, err, ErrNotDegraded)
	assert.Equal(t, ModeMonitor, s.Mode())
	assert.Empty(t, effects)
}

func TestResetRequiresOperator(t *testing.T) {
	m, _ := degradedMachine(t)
	s, effects, err := m.Reset(ResetCommand{Operator: "  "})
	require.ErrorIs(t, err, ErrMissingOperator)
	assert.Equal(t, ModeDegraded, s.Mode())
	assert.Empty(t, effects)
}

func TestResetReturnsToMonitor(t *testing.T) {
	m, probe := degradedMachine(t)
	s, effects, err := m.Reset(ResetCommand{Operator: "ops", Reason: "board swapped"})
	require.NoError(t, err)
	assert.Equal(t, ModeMonitor, s.Mode())
	require.Len(t, effects, 1)
	ev := effects[0].(Log).Event
	assert.Equal(t, EventReset, ev.Code)
	assert.Equal(t, ModeDegraded, ev.From)
	assert.Equal(t, guardian.BlockID(5), ev.Block)
	assert.Contains(t, ev.Message, "board swapped")

	probe.push(5, 500)
	s, effects = m.Advance()
	assert.Equal(t, ModeVerify, s.Mode())
	assert.Equal(t, 1, countOf[StartBist](effects))
}

// #endregion reset

// #region restore
func TestRestoreMapsJournaledState(t *testing.T) {
	swapAlert := guardian.Alert{BlockID: 4, AnomalyScore: 800}
	cases := []struct {
		name   string
		prev   State
		mode   Mode
		reason Reason
	}{
		{"monitor", Monitor{}, ModeMonitor, ""},
		{"verify", Verify{Alert: swapAlert}, ModeMonitor, ""},
		{"swap", Swap{Alert: swapAlert, Cause: CauseBistFail}, ModeDegraded, ReasonInterrupted},
		{"degraded", Degraded{Block: 4, Reason: ReasonReconfigFailed}, ModeDegraded, ReasonReconfigFailed},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			m, _, _ := newTestMachine(t)
			s, _, err := m.Restore(c.prev)
			require.NoError(t, err)
			assert.Equal(t, c.mode, s.Mode())
			if d, ok := s.(Degraded); ok {
				assert.Equal(t, guardian.BlockID(4), d.Block)
				assert.Equal(t, c.reason, d.Reason)
			}
		})
	}
}

func TestRestoreAfterAdvanceFails(t *testing.T) {
	m, _, _ := newTestMachine(t)
	m.Advance()
	_, _, err := m.Restore(Degraded{Block: 1})
	require.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestRestoreRejectsOutOfRangeBlock(t *testing.T) {
	m, _, _ := newTestMachine(t)
	_, _, err := m.Restore(Degraded{Block: 99})
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Equal(t, ModeMonitor, m.State().Mode())
}

// #endregion restore

// #region construction
func TestNewMachineRejectsInvalidConfig(t *testing.T) {
	mutate := map[string]func(*Config){
		"crit below warn":  func(c *Config) { c.Thresholds = Thresholds{Warn: 500, Crit: 400} },
		"zero guardians":   func(c *Config) { c.MaxGuardians = 0 },
		"guardian cap":     func(c *Config) { c.MaxGuardians = guardian.MaxGuardians + 1 },
		"block range":      func(c *Config) { c.Blocks = []guardian.BlockID{8} },
		"bist timeout":     func(c *Config) { c.BistTimeout = 0 },
		"reconfig timeout": func(c *Config) { c.ReconfigTimeout = -time.Second },
	}
	for name, fn := range mutate {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			fn(&cfg)
			_, err := NewMachine(cfg, &fakeProbe{})
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestNewMachineRejectsNilProbe(t *testing.T) {
	_, err := NewMachine(testConfig(), nil)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLargestGuardianCountIsValid(t *testing.T) {
	cfg := testConfig()
	cfg.MaxGuardians = guardian.MaxGuardians
	cfg.Blocks = []guardian.BlockID{guardian.MaxGuardians - 1}
	require.NoError(t, cfg.Validate())
}

func TestEqualThresholdsAreValid(t *testing.T) {
	cfg := testConfig()
	cfg.Thresholds = Thresholds{Warn: 500, Crit: 500}
	m, err := NewMachine(cfg, &fakeProbe{})
	require.NoError(t, err)
	assert.Equal(t, ModeMonitor, m.State().Mode())
}

// #endregion construction
