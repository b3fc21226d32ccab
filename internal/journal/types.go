package journal

import (
	"time"

	"github.com/danielpatrickdp/shm-controller/internal/guardian"
	"github.com/danielpatrickdp/shm-controller/internal/supervisor"
)

// #region transition
// Transition is one row of the transitions table.
type Transition struct {
	ID        int64
	EpisodeID string
	Block     guardian.BlockID
	From      supervisor.Mode
	To        supervisor.Mode
	Code      supervisor.EventCode
	Score     uint16
	Cause     supervisor.Cause
	Reason    supervisor.Reason
	Message   string
	AlertCRC  uint32
	CreatedAt time.Time

	// Operator and Note are set on reset transitions and land in the resets table.
	Operator string
	Note     string
}

// #endregion transition

// #region reset
// Reset is one operator reset.
type Reset struct {
	ID           int64
	TransitionID int64
	Block        guardian.BlockID
	Operator     string
	Note         string
	CreatedAt    time.Time
}

// #endregion reset

// #region snapshot
// Snapshot is the last journaled supervisory state.
type Snapshot struct {
	Mode      supervisor.Mode
	Block     guardian.BlockID
	Score     uint16
	Cause     supervisor.Cause
	Reason    supervisor.Reason
	EpisodeID string
	Since     time.Time
}

// SnapshotOf flattens a state for storage.
func SnapshotOf(s supervisor.State, episodeID string, at time.Time) Snapshot {
	snap := Snapshot{Mode: s.Mode(), EpisodeID: episodeID, Since: at}
	switch v := s.(type) {
	case supervisor.Monitor:
		snap.EpisodeID = ""
	case supervisor.Verify:
		snap.Block, snap.Score, snap.Since = v.Alert.BlockID, v.Alert.AnomalyScore, v.Since
	case supervisor.Swap:
		snap.Block, snap.Score, snap.Cause, snap.Since = v.Alert.BlockID, v.Alert.AnomalyScore, v.Cause, v.Since
	case supervisor.Degraded:
		snap.Block, snap.Reason, snap.Since = v.Block, v.Reason, v.Since
	}
	return snap
}

// State rebuilds the supervisory state a snapshot describes.
func (s Snapshot) State() supervisor.State {
	alert := guardian.Alert{BlockID: s.Block, AnomalyScore: s.Score}
	switch s.Mode {
	case supervisor.ModeVerify:
		return supervisor.Verify{Alert: alert, Since: s.Since}
	case supervisor.ModeSwap:
		return supervisor.Swap{Alert: alert, Cause: s.Cause, Since: s.Since}
	case supervisor.ModeDegraded:
		return supervisor.Degraded{Block: s.Block, Reason: s.Reason, Since: s.Since}
	}
	return supervisor.Monitor{}
}

// #endregion snapshot
