package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/danielpatrickdp/shm-controller/internal/supervisor"
)

// #region metrics
// Metrics holds the controller collectors. They are registered on the
// registry passed to New so tests can use a private one.
type Metrics struct {
	State          *prometheus.GaugeVec
	Transitions    *prometheus.CounterVec
	Effects        *prometheus.CounterVec
	Degraded       *prometheus.CounterVec
	AlertsDropped  *prometheus.CounterVec
	Resets         prometheus.Counter
	ActuatorErrors *prometheus.CounterVec
	JournalErrors  prometheus.Counter
	TickDuration   prometheus.Histogram
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		State: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shm_state",
				Help: "1 for the current supervisory mode, 0 otherwise",
			},
			[]string{"mode"},
		),
		Transitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shm_transitions_total",
				Help: "Supervisory state transitions",
			},
			[]string{"from", "to"},
		),
		Effects: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shm_effects_total",
				Help: "Effects emitted by the state machine",
			},
			[]string{"kind"}, // "start_bist", "start_reconfig", "log"
		),
		Degraded: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shm_degraded_total",
				Help: "Entries into degraded by reason",
			},
			[]string{"reason"},
		),
		AlertsDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shm_alerts_dropped_total",
				Help: "Alerts that did not open an episode",
			},
			[]string{"code"},
		),
		Resets: f.NewCounter(
			prometheus.CounterOpts{
				Name: "shm_resets_total",
				Help: "Operator resets applied",
			},
		),
		ActuatorErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shm_actuator_errors_total",
				Help: "Start requests the platform refused",
			},
			[]string{"kind"},
		),
		JournalErrors: f.NewCounter(
			prometheus.CounterOpts{
				Name: "shm_journal_errors_total",
				Help: "Transitions that could not be journaled",
			},
		),
		TickDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "shm_tick_duration_seconds",
				Help:    "Wall time of one supervisory tick",
				Buckets: []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .025},
			},
		),
	}
}

// #endregion metrics

// #region observe
// SetMode marks mode as current.
func (m *Metrics) SetMode(mode supervisor.Mode) {
	for _, md := range []supervisor.Mode{supervisor.ModeMonitor, supervisor.ModeVerify, supervisor.ModeSwap, supervisor.ModeDegraded} {
		v := 0.0
		if md == mode {
			v = 1
		}
		m.State.WithLabelValues(md.String()).Set(v)
	}
}

// ObserveEffect counts one effect and the event it carries.
func (m *Metrics) ObserveEffect(e supervisor.Effect) {
	switch v := e.(type) {
	case supervisor.StartBist:
		m.Effects.WithLabelValues("start_bist").Inc()
	case supervisor.StartReconfig:
		m.Effects.WithLabelValues("start_reconfig").Inc()
	case supervisor.Log:
		m.Effects.WithLabelValues("log").Inc()
		m.ObserveEvent(v.Event)
	}
}

// ObserveEvent counts transitions, degraded entries and dropped alerts.
func (m *Metrics) ObserveEvent(ev supervisor.Event) {
	switch ev.Code {
	case supervisor.EventAlertBelowWarn, supervisor.EventAlertRejected, supervisor.EventAlertIgnored:
		m.AlertsDropped.WithLabelValues(string(ev.Code)).Inc()
		return
	case supervisor.EventReset:
		m.Resets.Inc()
	}
	if !ev.Transitioned() {
		return
	}
	m.Transitions.WithLabelValues(ev.From.String(), ev.To.String()).Inc()
	if ev.To == supervisor.ModeDegraded && ev.From != supervisor.ModeDegraded {
		m.Degraded.WithLabelValues(string(ev.Reason)).Inc()
	}
}

// ObserveTick records how long a tick took.
func (m *Metrics) ObserveTick(d time.Duration) {
	m.TickDuration.Observe(d.Seconds())
}

// #endregion observe
