package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/danielpatrickdp/shm-controller/internal/supervisor"
)

func TestSetModeIsOneHot(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.SetMode(supervisor.ModeSwap)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.State.WithLabelValues("swap")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.State.WithLabelValues("monitor")))

	m.SetMode(supervisor.ModeMonitor)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.State.WithLabelValues("swap")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.State.WithLabelValues("monitor")))
}

func TestObserveEffectCounts(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveEffect(supervisor.StartBist{Block: 1})
	m.ObserveEffect(supervisor.StartReconfig{Block: 1})
	m.ObserveEffect(supervisor.Log{Event: supervisor.Event{
		Code: supervisor.EventTransition, From: supervisor.ModeSwap, To: supervisor.ModeDegraded,
		Reason: supervisor.ReasonReconfigFailed,
	}})
	m.ObserveEffect(supervisor.Log{Event: supervisor.Event{Code: supervisor.EventAlertIgnored}})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Effects.WithLabelValues("start_bist")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Effects.WithLabelValues("start_reconfig")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Effects.WithLabelValues("log")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transitions.WithLabelValues("swap", "degraded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Degraded.WithLabelValues("reconfig_failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AlertsDropped.WithLabelValues("alert_ignored")))
}

func TestResetCounted(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveEvent(supervisor.Event{Code: supervisor.EventReset, From: supervisor.ModeDegraded, To: supervisor.ModeMonitor})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Resets))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transitions.WithLabelValues("degraded", "monitor")))
}

func TestRestoredDegradedNotCountedTwice(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveEvent(supervisor.Event{Code: supervisor.EventRestored, From: supervisor.ModeDegraded, To: supervisor.ModeDegraded})
	assert.Equal(t, 0, testutil.CollectAndCount(m.Degraded))
}

func TestObserveTick(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveTick(200 * time.Microsecond)
	assert.Equal(t, 1, testutil.CollectAndCount(m.TickDuration))
}
