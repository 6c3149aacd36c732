// Package store keeps estimate runs in a sqlite database so tracks can be
// compared and plotted after the fact.
package store

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"slam3d-go/particlefilter"
)

//go:embed schema.sql
var schemaSQL string

var ErrUnknownRun = errors.New("unknown run")

type Store struct {
	*sql.DB
}

// Run describes one recorded run.
type Run struct {
	ID           uuid.UUID
	Mode         string
	Notes        string
	StartedAt    time.Time
	Ended        bool
	Updates      int
	Resamples    int
	Degeneracies int
}

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Writers are serialized through one connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db}, nil
}

// StartRun registers a new run and returns its id.
func (s *Store) StartRun(mode, notes string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.Exec(`INSERT INTO runs (run_id, mode, notes, started_ms) VALUES (?, ?, ?, ?)`,
		id.String(), mode, notes, time.Now().UnixMilli())
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to start run: %w", err)
	}
	return id, nil
}

// EndRun stamps the end time and final filter counters.
func (s *Store) EndRun(runID uuid.UUID, st particlefilter.Stats) error {
	res, err := s.Exec(`
		UPDATE runs SET ended_ms = ?, updates = ?, resamples = ?, degeneracies = ?
		WHERE run_id = ?`,
		time.Now().UnixMilli(), st.Updates, st.Resamples, st.Degeneracies, runID.String())
	if err != nil {
		return fmt.Errorf("failed to end run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	return nil
}

func (s *Store) RecordTag(runID uuid.UUID, tag uint32, e particlefilter.Estimate) error {
	_, err := s.Exec(`
		INSERT INTO tag_estimates (run_id, tag_id, t, x, y, z, heading)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID.String(), int64(tag), e.T, e.X, e.Y, e.Z, e.Heading)
	if err != nil {
		return fmt.Errorf("failed to insert tag estimate: %w", err)
	}
	return nil
}

func (s *Store) RecordBeacon(runID uuid.UUID, tag uint32, beacon int, e particlefilter.Estimate) error {
	_, err := s.Exec(`
		INSERT INTO beacon_estimates (run_id, tag_id, beacon, t, x, y, z)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID.String(), int64(tag), beacon, e.T, e.X, e.Y, e.Z)
	if err != nil {
		return fmt.Errorf("failed to insert beacon estimate: %w", err)
	}
	return nil
}

// TagTrack returns the estimates of one tag in insertion order.
func (s *Store) TagTrack(runID uuid.UUID, tag uint32) ([]particlefilter.Estimate, error) {
	rows, err := s.Query(`
		SELECT t, x, y, z, heading FROM tag_estimates
		WHERE run_id = ? AND tag_id = ? ORDER BY rowid`,
		runID.String(), int64(tag))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var track []particlefilter.Estimate
	for rows.Next() {
		var e particlefilter.Estimate
		if err := rows.Scan(&e.T, &e.X, &e.Y, &e.Z, &e.Heading); err != nil {
			return nil, err
		}
		track = append(track, e)
	}
	return track, rows.Err()
}

// BeaconMap returns the latest estimate of every beacon mapped in a run.
func (s *Store) BeaconMap(runID uuid.UUID) (map[int]particlefilter.Estimate, error) {
	rows, err := s.Query(`
		SELECT beacon, t, x, y, z FROM beacon_estimates
		WHERE rowid IN (
			SELECT MAX(rowid) FROM beacon_estimates WHERE run_id = ? GROUP BY beacon
		)`, runID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[int]particlefilter.Estimate{}
	for rows.Next() {
		var b int
		var e particlefilter.Estimate
		if err := rows.Scan(&b, &e.T, &e.X, &e.Y, &e.Z); err != nil {
			return nil, err
		}
		out[b] = e
	}
	return out, rows.Err()
}

// Runs lists every run, newest first.
func (s *Store) Runs() ([]Run, error) {
	rows, err := s.Query(`
		SELECT run_id, mode, COALESCE(notes, ''), started_ms, ended_ms IS NOT NULL,
		       COALESCE(updates, 0), COALESCE(resamples, 0), COALESCE(degeneracies, 0)
		FROM runs ORDER BY started_ms DESC, rowid DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var id string
		var started int64
		if err := rows.Scan(&id, &r.Mode, &r.Notes, &started, &r.Ended, &r.Updates, &r.Resamples, &r.Degeneracies); err != nil {
			return nil, err
		}
		r.StartedAt = time.UnixMilli(started)
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("run id %q: %w", id, err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
