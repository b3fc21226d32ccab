package sim

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danielpatrickdp/shm-controller/internal/clock"
	"github.com/danielpatrickdp/shm-controller/internal/guardian"
)

// #region errors
var (
	// ErrOutstanding is returned when an operation is started while one is
	// already running for the same block (or, for reconfiguration, at all).
	ErrOutstanding = errors.New("operation already outstanding")
)

// #endregion errors

// #region platform
// Platform is an in-process stand-in for the guardian FIFO, the self-test
// engine and the reconfiguration controller. Outcomes default to pass and
// success; tests script failures, latencies and hangs per block.
// It is safe for concurrent use so the gRPC server can expose it.
type Platform struct {
	mu    sync.Mutex
	clock clock.Clock

	alerts []guardian.Alert

	bistLatency     time.Duration
	reconfigLatency time.Duration

	bistOutcome     map[guardian.BlockID]guardian.BistResult
	reconfigOutcome map[guardian.BlockID]guardian.ReconfigResult
	hangBist        map[guardian.BlockID]bool
	hangReconfig    map[guardian.BlockID]bool

	bist     map[guardian.BlockID]time.Time // ready-at per outstanding self-test
	reconfig *pendingReconfig

	stats Stats
}

type pendingReconfig struct {
	block   guardian.BlockID
	readyAt time.Time
}

// Stats counts what the platform was asked to do.
type Stats struct {
	AlertsFetched   int
	BistStarted     int
	ReconfigStarted int
}

// Option configures a Platform.
type Option func(*Platform)

// WithBistLatency sets how long a self-test takes to complete.
func WithBistLatency(d time.Duration) Option {
	return func(p *Platform) { p.bistLatency = d }
}

// WithReconfigLatency sets how long a reconfiguration takes to complete.
func WithReconfigLatency(d time.Duration) Option {
	return func(p *Platform) { p.reconfigLatency = d }
}

// New returns a platform reading time from clk.
func New(clk clock.Clock, opts ...Option) *Platform {
	if clk == nil {
		clk = clock.Real{}
	}
	p := &Platform{
		clock:           clk,
		bistOutcome:     make(map[guardian.BlockID]guardian.BistResult),
		reconfigOutcome: make(map[guardian.BlockID]guardian.ReconfigResult),
		hangBist:        make(map[guardian.BlockID]bool),
		hangReconfig:    make(map[guardian.BlockID]bool),
		bist:            make(map[guardian.BlockID]time.Time),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// #endregion platform

// #region scripting
// Inject queues alerts for FetchAlert in FIFO order.
func (p *Platform) Inject(alerts ...guardian.Alert) {
	p.mu.Lock()
	p.alerts = append(p.alerts, alerts...)
	p.mu.Unlock()
}

// SetBistOutcome fixes the self-test verdict for block.
func (p *Platform) SetBistOutcome(block guardian.BlockID, r guardian.BistResult) {
	p.mu.Lock()
	p.bistOutcome[block] = r
	p.mu.Unlock()
}

// SetReconfigOutcome fixes the reconfiguration result for block.
func (p *Platform) SetReconfigOutcome(block guardian.BlockID, r guardian.ReconfigResult) {
	p.mu.Lock()
	p.reconfigOutcome[block] = r
	p.mu.Unlock()
}

// HangBist makes self-tests of block never complete.
func (p *Platform) HangBist(block guardian.BlockID) {
	p.mu.Lock()
	p.hangBist[block] = true
	p.mu.Unlock()
}

// HangReconfig makes reconfigurations of block never complete.
func (p *Platform) HangReconfig(block guardian.BlockID) {
	p.mu.Lock()
	p.hangReconfig[block] = true
	p.mu.Unlock()
}

// Pending returns the number of alerts not yet fetched.
func (p *Platform) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.alerts)
}

// Stats returns a snapshot of the call counters.
func (p *Platform) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// #endregion scripting

// #region probe
func (p *Platform) FetchAlert() (guardian.Alert, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.alerts) == 0 {
		return guardian.Alert{}, false
	}
	a := p.alerts[0]
	p.alerts = p.alerts[1:]
	p.stats.AlertsFetched++
	return a, true
}

func (p *Platform) PollBist(block guardian.BlockID) (guardian.BistResult, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	readyAt, ok := p.bist[block]
	if !ok || p.hangBist[block] || p.clock.Now().Before(readyAt) {
		return guardian.BistUnknown, false
	}
	delete(p.bist, block)
	if r, ok := p.bistOutcome[block]; ok {
		return r, true
	}
	return guardian.BistPass, true
}

func (p *Platform) PollReconfig() (guardian.ReconfigResult, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr := p.reconfig
	if pr == nil || p.hangReconfig[pr.block] || p.clock.Now().Before(pr.readyAt) {
		return 0, false
	}
	p.reconfig = nil
	if r, ok := p.reconfigOutcome[pr.block]; ok {
		return r, true
	}
	return guardian.ReconfigSuccess, true
}

// #endregion probe

// #region actuator
func (p *Platform) StartBist(block guardian.BlockID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.bist[block]; ok {
		return fmt.Errorf("start bist on block %d: %w", block, ErrOutstanding)
	}
	p.bist[block] = p.clock.Now().Add(p.bistLatency)
	p.stats.BistStarted++
	return nil
}

func (p *Platform) StartReconfig(block guardian.BlockID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reconfig != nil {
		return fmt.Errorf("start reconfig on block %d while block %d in progress: %w", block, p.reconfig.block, ErrOutstanding)
	}
	p.reconfig = &pendingReconfig{block: block, readyAt: p.clock.Now().Add(p.reconfigLatency)}
	p.stats.ReconfigStarted++
	return nil
}

// #endregion actuator
