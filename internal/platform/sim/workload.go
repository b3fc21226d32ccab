package sim

import (
	"context"
	"math/rand"
	"time"

	"github.com/danielpatrickdp/shm-controller/internal/clock"
	"github.com/danielpatrickdp/shm-controller/internal/guardian"
)

// featureDim matches the guardian autoencoder input width.
const featureDim = 16

// #region params
// WorkloadParams shapes the random alert stream.
type WorkloadParams struct {
	Interval            time.Duration // how often a guardian sample is drawn
	AlertProb           float64       // chance a sample raises an alert
	ScoreMean           float64
	ScoreStdDev         float64
	BistFailProb        float64
	ReconfigFailureProb float64
	MaxGuardians        int
}

// DefaultWorkloadParams returns a mostly quiet board with occasional faults.
func DefaultWorkloadParams() WorkloadParams {
	return WorkloadParams{
		Interval:            500 * time.Millisecond,
		AlertProb:           0.2,
		ScoreMean:           350,
		ScoreStdDev:         200,
		BistFailProb:        0.1,
		ReconfigFailureProb: 0.02,
		MaxGuardians:        guardian.DefaultMaxGuardians,
	}
}

// #endregion params

// #region workload
// Workload feeds random alerts into a Platform and scripts the outcome of
// the operations those alerts may trigger.
type Workload struct {
	platform *Platform
	clock    clock.Clock
	rnd      *rand.Rand
	par      WorkloadParams
}

// NewWorkload returns a generator. A nil r seeds from the wall clock.
func NewWorkload(p *Platform, clk clock.Clock, r *rand.Rand, par WorkloadParams) *Workload {
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if par.MaxGuardians <= 0 {
		par.MaxGuardians = guardian.DefaultMaxGuardians
	}
	return &Workload{platform: p, clock: clk, rnd: r, par: par}
}

// Sample draws one guardian sample and returns the alert it raised, if any.
func (w *Workload) Sample() (guardian.Alert, bool) {
	if w.rnd.Float64() >= w.par.AlertProb {
		return guardian.Alert{}, false
	}

	block := guardian.BlockID(w.rnd.Intn(w.par.MaxGuardians))
	features := make([]int8, featureDim)
	for i := range features {
		features[i] = int8(w.rnd.Intn(256) - 128)
	}
	score := w.par.ScoreMean + w.rnd.NormFloat64()*w.par.ScoreStdDev
	alert := guardian.Alert{
		BlockID:      block,
		AnomalyScore: guardian.SaturatingScore(int(score)),
		FeatureCRC:   guardian.FeatureCRC(features),
		TimestampUS:  clock.Micros(w.clock.Now()),
	}

	bist := guardian.BistPass
	if w.rnd.Float64() < w.par.BistFailProb {
		bist = guardian.BistFail
	}
	reconfig := guardian.ReconfigSuccess
	if w.rnd.Float64() < w.par.ReconfigFailureProb {
		reconfig = guardian.ReconfigFailure
	}
	w.platform.SetBistOutcome(block, bist)
	w.platform.SetReconfigOutcome(block, reconfig)
	w.platform.Inject(alert)
	return alert, true
}

// Serve draws a sample every Interval until ctx is done.
func (w *Workload) Serve(ctx context.Context) error {
	interval := w.par.Interval
	if interval <= 0 {
		interval = DefaultWorkloadParams().Interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.Sample()
		}
	}
}

// #endregion workload
