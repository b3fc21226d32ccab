package journal

import (
	"github.com/google/uuid"

	"github.com/danielpatrickdp/shm-controller/internal/guardian"
	"github.com/danielpatrickdp/shm-controller/internal/supervisor"
)

// #region recorder
// Recorder journals transition events and groups them into episodes. An
// episode opens when Monitor admits an alert and closes on the next return
// to Monitor, so a Degraded stretch and the reset that ends it share one id.
type Recorder struct {
	store   *Store
	episode string
	newID   func() string
}

// NewRecorder returns a recorder writing to s.
func NewRecorder(s *Store) *Recorder {
	return &Recorder{store: s, newID: func() string { return uuid.New().String() }}
}

// Resume continues the episode open in a journaled snapshot.
func (r *Recorder) Resume(snap Snapshot) {
	if snap.Mode != supervisor.ModeMonitor {
		r.episode = snap.EpisodeID
	}
}

// Episode returns the open episode id, or "" in Monitor.
func (r *Recorder) Episode() string {
	return r.episode
}

// Observe journals ev if it is a transition. st is the state after ev.
// Non-transition events return 0 and nil.
func (r *Recorder) Observe(ev supervisor.Event, st supervisor.State) (int64, error) {
	return r.observe(ev, st, supervisor.ResetCommand{})
}

// ObserveReset journals a reset transition with the operator who issued it.
func (r *Recorder) ObserveReset(ev supervisor.Event, st supervisor.State, cmd supervisor.ResetCommand) (int64, error) {
	return r.observe(ev, st, cmd)
}

func (r *Recorder) observe(ev supervisor.Event, st supervisor.State, cmd supervisor.ResetCommand) (int64, error) {
	if !ev.Transitioned() {
		return 0, nil
	}
	if ev.From == supervisor.ModeMonitor && ev.To == supervisor.ModeVerify {
		r.episode = r.newID()
	}

	tr := Transition{
		EpisodeID: r.episode,
		Block:     ev.Block,
		From:      ev.From,
		To:        ev.To,
		Code:      ev.Code,
		Score:     ev.Score,
		Cause:     ev.Cause,
		Reason:    ev.Reason,
		Message:   ev.Message,
		CreatedAt: ev.At,
		Operator:  cmd.Operator,
		Note:      cmd.Reason,
	}
	if a, ok := supervisor.Active(st); ok {
		tr.AlertCRC = guardian.AlertCRC(a)
	}

	id, err := r.store.RecordTransition(tr, SnapshotOf(st, r.episode, ev.At))
	if err != nil {
		return 0, err
	}
	if ev.To == supervisor.ModeMonitor {
		r.episode = ""
	}
	return id, nil
}

// #endregion recorder
