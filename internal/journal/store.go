package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/danielpatrickdp/shm-controller/internal/guardian"
	"github.com/danielpatrickdp/shm-controller/internal/supervisor"
)

// ErrNoState is returned by Current before anything has been journaled.
var ErrNoState = errors.New("no journaled state")

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS transitions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	episode_id  TEXT,
	block_id    INTEGER NOT NULL,
	from_mode   TEXT NOT NULL,
	to_mode     TEXT NOT NULL,
	code        TEXT NOT NULL,
	score       INTEGER NOT NULL DEFAULT 0,
	cause       TEXT,
	reason      TEXT,
	message     TEXT,
	alert_crc   INTEGER,
	created_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS transitions_episode ON transitions(episode_id);

CREATE TABLE IF NOT EXISTS resets (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	transition_id INTEGER NOT NULL,
	block_id      INTEGER NOT NULL,
	operator      TEXT NOT NULL,
	note          TEXT,
	created_at    TEXT NOT NULL,
	FOREIGN KEY (transition_id) REFERENCES transitions(id)
);

CREATE TABLE IF NOT EXISTS current_state (
	id          INTEGER PRIMARY KEY CHECK (id = 1),
	mode        TEXT NOT NULL,
	block_id    INTEGER NOT NULL DEFAULT 0,
	score       INTEGER NOT NULL DEFAULT 0,
	cause       TEXT,
	reason      TEXT,
	episode_id  TEXT,
	since       TEXT NOT NULL
);
`

// #endregion schema

// #region store-struct
// Store is the SQLite journal of supervisory transitions.
type Store struct {
	db *sql.DB
}

// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// #endregion constructor

// #region record
// RecordTransition appends tr and moves the current-state pointer to snap
// in one transaction. Reset transitions also get a resets row.
func (s *Store) RecordTransition(tr Transition, snap Snapshot) (int64, error) {
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = time.Now().UTC()
	}
	if snap.Since.IsZero() {
		snap.Since = tr.CreatedAt
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO transitions (episode_id, block_id, from_mode, to_mode, code, score, cause, reason, message, alert_crc, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullIfEmpty(tr.EpisodeID), int64(tr.Block), tr.From.String(), tr.To.String(), string(tr.Code),
		int64(tr.Score), nullIfEmpty(string(tr.Cause)), nullIfEmpty(string(tr.Reason)),
		nullIfEmpty(tr.Message), int64(tr.AlertCRC), formatTime(tr.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert transition: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("transition id: %w", err)
	}

	if tr.Operator != "" {
		_, err = tx.Exec(
			`INSERT INTO resets (transition_id, block_id, operator, note, created_at) VALUES (?, ?, ?, ?, ?)`,
			id, int64(tr.Block), tr.Operator, nullIfEmpty(tr.Note), formatTime(tr.CreatedAt),
		)
		if err != nil {
			return 0, fmt.Errorf("insert reset: %w", err)
		}
	}

	_, err = tx.Exec(
		`INSERT INTO current_state (id, mode, block_id, score, cause, reason, episode_id, since)
		 VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   mode = excluded.mode, block_id = excluded.block_id, score = excluded.score,
		   cause = excluded.cause, reason = excluded.reason, episode_id = excluded.episode_id,
		   since = excluded.since`,
		snap.Mode.String(), int64(snap.Block), int64(snap.Score), nullIfEmpty(string(snap.Cause)),
		nullIfEmpty(string(snap.Reason)), nullIfEmpty(snap.EpisodeID), formatTime(snap.Since),
	)
	if err != nil {
		return 0, fmt.Errorf("update current state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// #endregion record

// #region current
// Current reads the last journaled state.
func (s *Store) Current() (Snapshot, error) {
	var snap Snapshot
	var mode, since string
	var block, score int64
	var cause, reason, episode sql.NullString

	err := s.db.QueryRow(
		`SELECT mode, block_id, score, cause, reason, episode_id, since FROM current_state WHERE id = 1`,
	).Scan(&mode, &block, &score, &cause, &reason, &episode, &since)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNoState
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("get current state: %w", err)
	}

	snap.Mode, err = supervisor.ParseMode(mode)
	if err != nil {
		return Snapshot{}, fmt.Errorf("current state: %w", err)
	}
	snap.Block = guardian.BlockID(block)
	snap.Score = uint16(score)
	snap.Cause = supervisor.Cause(cause.String)
	snap.Reason = supervisor.Reason(reason.String)
	snap.EpisodeID = episode.String
	snap.Since = parseTime(since)
	return snap, nil
}

// #endregion current

// #region list
// ListTransitions returns the most recent transitions, newest first.
func (s *Store) ListTransitions(limit int) ([]Transition, error) {
	return s.queryTransitions(
		`SELECT id, episode_id, block_id, from_mode, to_mode, code, score, cause, reason, message, alert_crc, created_at
		 FROM transitions ORDER BY id DESC LIMIT ?`, limit)
}

// Episode returns the transitions of one recovery episode in order.
func (s *Store) Episode(episodeID string) ([]Transition, error) {
	return s.queryTransitions(
		`SELECT id, episode_id, block_id, from_mode, to_mode, code, score, cause, reason, message, alert_crc, created_at
		 FROM transitions WHERE episode_id = ? ORDER BY id ASC`, episodeID)
}

func (s *Store) queryTransitions(query string, arg any) ([]Transition, error) {
	rows, err := s.db.Query(query, arg)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var tr Transition
		var episode, cause, reason, message sql.NullString
		var block, score int64
		var crc sql.NullInt64
		var from, to, code, created string

		if err := rows.Scan(&tr.ID, &episode, &block, &from, &to, &code, &score, &cause, &reason, &message, &crc, &created); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if tr.From, err = supervisor.ParseMode(from); err != nil {
			return nil, fmt.Errorf("transition %d: %w", tr.ID, err)
		}
		if tr.To, err = supervisor.ParseMode(to); err != nil {
			return nil, fmt.Errorf("transition %d: %w", tr.ID, err)
		}
		tr.EpisodeID = episode.String
		tr.Block = guardian.BlockID(block)
		tr.Code = supervisor.EventCode(code)
		tr.Score = uint16(score)
		tr.Cause = supervisor.Cause(cause.String)
		tr.Reason = supervisor.Reason(reason.String)
		tr.Message = message.String
		tr.AlertCRC = uint32(crc.Int64)
		tr.CreatedAt = parseTime(created)
		out = append(out, tr)
	}
	return out, rows.Err()
}

// ListResets returns the most recent operator resets, newest first.
func (s *Store) ListResets(limit int) ([]Reset, error) {
	rows, err := s.db.Query(
		`SELECT id, transition_id, block_id, operator, note, created_at FROM resets ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list resets: %w", err)
	}
	defer rows.Close()

	var out []Reset
	for rows.Next() {
		var r Reset
		var block int64
		var note sql.NullString
		var created string
		if err := rows.Scan(&r.ID, &r.TransitionID, &block, &r.Operator, &note, &created); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		r.Block = guardian.BlockID(block)
		r.Note = note.String
		r.CreatedAt = parseTime(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// #endregion list

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// #endregion helpers
