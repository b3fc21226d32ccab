package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/shm-controller/internal/clock"
	"github.com/danielpatrickdp/shm-controller/internal/guardian"
	"github.com/danielpatrickdp/shm-controller/internal/journal"
	"github.com/danielpatrickdp/shm-controller/internal/metrics"
	"github.com/danielpatrickdp/shm-controller/internal/platform/sim"
	"github.com/danielpatrickdp/shm-controller/internal/supervisor"
)

// #region harness
type memSink struct {
	mu     sync.Mutex
	events []supervisor.Event
}

func (s *memSink) Record(ev supervisor.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *memSink) codes() []supervisor.EventCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]supervisor.EventCode, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Code)
	}
	return out
}

type harness struct {
	clk     *clock.Manual
	plat    *sim.Platform
	sink    *memSink
	store   *journal.Store
	metrics *metrics.Metrics
	loop    *Loop
}

func newHarness(t *testing.T, mutate func(*supervisor.Config)) *harness {
	t.Helper()
	clk := clock.NewManual(time.Time{})
	plat := sim.New(clk)
	cfg := supervisor.DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := supervisor.NewMachine(cfg, plat, supervisor.WithClock(clk))
	require.NoError(t, err)

	store, err := journal.NewStore(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	met := metrics.New(prometheus.NewRegistry())
	sink := &memSink{}
	loop := New(m, plat, sink,
		WithJournal(journal.NewRecorder(store)),
		WithMetrics(met),
		WithInterval(time.Millisecond),
	)
	return &harness{clk: clk, plat: plat, sink: sink, store: store, metrics: met, loop: loop}
}

// #endregion harness

func TestTickRunsCriticalPassEpisode(t *testing.T) {
	h := newHarness(t, nil)
	h.plat.Inject(guardian.Alert{BlockID: 2, AnomalyScore: 750})

	assert.Equal(t, supervisor.ModeVerify, h.loop.Tick().Mode())
	assert.Equal(t, supervisor.ModeSwap, h.loop.Tick().Mode())
	assert.Equal(t, supervisor.ModeMonitor, h.loop.Tick().Mode())

	stats := h.plat.Stats()
	assert.Equal(t, 1, stats.BistStarted)
	assert.Equal(t, 1, stats.ReconfigStarted)

	rows, err := h.store.ListTransitions(10)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, supervisor.CauseCriticalPass, rows[1].Cause)
	assert.Equal(t, rows[0].EpisodeID, rows[2].EpisodeID)
	assert.NotEmpty(t, rows[0].EpisodeID)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Transitions.WithLabelValues("verify", "swap")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.State.WithLabelValues("monitor")))
	assert.Equal(t, uint64(3), h.loop.Status().Ticks)
}

func TestReconfigFailureDegradesAndResetClears(t *testing.T) {
	h := newHarness(t, nil)
	h.plat.SetBistOutcome(4, guardian.BistFail)
	h.plat.SetReconfigOutcome(4, guardian.ReconfigFailure)
	h.plat.Inject(guardian.Alert{BlockID: 4, AnomalyScore: 450})

	for i := 0; i < 3; i++ {
		h.loop.Tick()
	}
	st := h.loop.Status()
	require.Equal(t, "degraded", st.Mode)
	assert.Equal(t, string(supervisor.ReasonReconfigFailed), st.Reason)
	require.NotNil(t, st.Block)
	assert.Equal(t, uint16(4), *st.Block)
	assert.NotEmpty(t, st.Episode)

	// Degraded never leaves on its own.
	h.plat.Inject(guardian.Alert{BlockID: 1, AnomalyScore: 900})
	h.loop.Tick()
	h.clk.Advance(time.Hour)
	h.loop.Tick()
	assert.Equal(t, "degraded", h.loop.Status().Mode)

	_, err := h.loop.ApplyReset(supervisor.ResetCommand{})
	require.ErrorIs(t, err, supervisor.ErrMissingOperator)

	st, err = h.loop.ApplyReset(supervisor.ResetCommand{Operator: "carol", Reason: "board swapped"})
	require.NoError(t, err)
	assert.Equal(t, "monitor", st.Mode)
	assert.Empty(t, st.Episode)

	resets, err := h.store.ListResets(1)
	require.NoError(t, err)
	require.Len(t, resets, 1)
	assert.Equal(t, "carol", resets[0].Operator)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Resets))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Degraded.WithLabelValues("reconfig_failed")))
	assert.Contains(t, h.sink.codes(), supervisor.EventAlertIgnored)
}

func TestRefusedBistStartDegrades(t *testing.T) {
	h := newHarness(t, nil)
	// A second StartBist for the same block is refused by the platform.
	require.NoError(t, h.plat.StartBist(3))
	h.plat.HangBist(3)
	h.plat.Inject(guardian.Alert{BlockID: 3, AnomalyScore: 500})

	assert.Equal(t, supervisor.ModeDegraded, h.loop.Tick().Mode())
	assert.Equal(t, string(supervisor.ReasonStartRefused), h.loop.Status().Reason)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ActuatorErrors.WithLabelValues("start_bist")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Degraded.WithLabelValues("start_refused")))

	rows, err := h.store.ListTransitions(10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, supervisor.ModeVerify, rows[1].To)
	assert.Equal(t, supervisor.ModeDegraded, rows[0].To)
	assert.Equal(t, rows[0].EpisodeID, rows[1].EpisodeID)
}

func TestStaleReconfigCompletionIsNotSuccessForNextBlock(t *testing.T) {
	clk := clock.NewManual(time.Time{})
	plat := sim.New(clk, sim.WithReconfigLatency(40*time.Second))
	cfg := supervisor.DefaultConfig()
	cfg.ReconfigTimeout = 30 * time.Second
	m, err := supervisor.NewMachine(cfg, plat, supervisor.WithClock(clk))
	require.NoError(t, err)
	met := metrics.New(prometheus.NewRegistry())
	loop := New(m, plat, &memSink{}, WithMetrics(met))

	plat.Inject(guardian.Alert{BlockID: 2, AnomalyScore: 750})
	loop.Tick()
	require.Equal(t, supervisor.ModeSwap, loop.Tick().Mode())
	clk.Advance(30 * time.Second)
	require.Equal(t, supervisor.ModeDegraded, loop.Tick().Mode())
	require.Equal(t, string(supervisor.ReasonReconfigTimeout), loop.Status().Reason)

	_, err = loop.ApplyReset(supervisor.ResetCommand{Operator: "dana"})
	require.NoError(t, err)

	// Block 2's reconfiguration is still running, so block 5's start is refused.
	plat.Inject(guardian.Alert{BlockID: 5, AnomalyScore: 750})
	require.Equal(t, supervisor.ModeVerify, loop.Tick().Mode())
	assert.Equal(t, supervisor.ModeDegraded, loop.Tick().Mode())
	st := loop.Status()
	assert.Equal(t, string(supervisor.ReasonStartRefused), st.Reason)
	require.NotNil(t, st.Block)
	assert.Equal(t, uint16(5), *st.Block)
	assert.Equal(t, 1.0, testutil.ToFloat64(met.ActuatorErrors.WithLabelValues("start_reconfig")))

	// Block 2 completes later; block 5 must not be reported recovered.
	clk.Advance(10 * time.Second)
	assert.Equal(t, supervisor.ModeDegraded, loop.Tick().Mode())
	assert.Equal(t, 1, plat.Stats().ReconfigStarted)
}

func TestRestoreInterruptedSwap(t *testing.T) {
	h := newHarness(t, nil)
	prev := supervisor.Swap{Alert: guardian.Alert{BlockID: 6, AnomalyScore: 720}, Cause: supervisor.CauseCriticalPass}

	require.NoError(t, h.loop.Restore(prev))
	st := h.loop.Status()
	assert.Equal(t, "degraded", st.Mode)
	assert.Equal(t, string(supervisor.ReasonInterrupted), st.Reason)

	cur, err := h.store.Current()
	require.NoError(t, err)
	assert.Equal(t, supervisor.ModeDegraded, cur.Mode)

	h.loop.Tick()
	assert.Error(t, h.loop.Restore(supervisor.Monitor{}))
}

func TestServeAppliesResetBetweenTicks(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.loop.Restore(supervisor.Degraded{Block: 1, Reason: supervisor.ReasonBistTimeout}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.loop.Serve(ctx) }()

	rctx, rcancel := context.WithTimeout(context.Background(), time.Second)
	defer rcancel()
	st, err := h.loop.Reset(rctx, supervisor.ResetCommand{Operator: "dave"})
	require.NoError(t, err)
	assert.Equal(t, "monitor", st.Mode)

	_, err = h.loop.Reset(rctx, supervisor.ResetCommand{Operator: "dave"})
	assert.True(t, errors.Is(err, supervisor.ErrNotDegraded))

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestResetWithoutServeTimesOut(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := h.loop.Reset(ctx, supervisor.ResetCommand{Operator: "erin"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLoopWithoutJournal(t *testing.T) {
	clk := clock.NewManual(time.Time{})
	plat := sim.New(clk)
	m, err := supervisor.NewMachine(supervisor.DefaultConfig(), plat, supervisor.WithClock(clk))
	require.NoError(t, err)
	sink := &memSink{}
	loop := New(m, plat, sink)

	plat.Inject(guardian.Alert{BlockID: 0, AnomalyScore: 10})
	loop.Tick()
	assert.Equal(t, []supervisor.EventCode{supervisor.EventAlertBelowWarn}, sink.codes())
	assert.Equal(t, "monitor", loop.Status().Mode)
	assert.Empty(t, loop.Status().Episode)
}
