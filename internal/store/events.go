package store

import (
	"database/sql"
	"fmt"
)

// InsertEvent appends one event row and returns its assigned id.
func (s *Store) InsertEvent(e Event) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO events (run_id, session_key, seq, stream, ts, data, is_fork, forked_from_run_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.SessionKey, e.Seq, e.Stream, e.TS, string(e.Data), e.IsFork, e.ForkedFromRunID, e.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return res.LastInsertId()
}

// BackfillLineage stamps is_fork/forked_from_run_id on every existing row
// for run_id — used when a run is retroactively identified as a fork
// child.
func (s *Store) BackfillLineage(runID string, isFork bool, forkedFromRunID string) error {
	var parent *string
	if forkedFromRunID != "" {
		parent = &forkedFromRunID
	}
	_, err := s.db.Exec(
		`UPDATE events SET is_fork = ?, forked_from_run_id = ? WHERE run_id = ?`,
		isFork, parent, runID,
	)
	if err != nil {
		return fmt.Errorf("backfill lineage: %w", err)
	}
	return nil
}

// ListSessions returns one row per run_id, aggregating activity counts and
// the most-recent non-null session_key observed for that run.
func (s *Store) ListSessions() ([]SessionRow, error) {
	rows, err := s.db.Query(`
		SELECT
			run_id,
			(SELECT session_key FROM events e2 WHERE e2.run_id = e.run_id AND e2.session_key IS NOT NULL ORDER BY e2.seq DESC LIMIT 1) AS session_key,
			MIN(ts) AS start_time,
			MAX(ts) AS last_activity,
			COUNT(*) AS event_count,
			SUM(CASE WHEN data LIKE '%"type":"llm_input"%' THEN 1 ELSE 0 END) AS llm_input_count,
			SUM(CASE WHEN data LIKE '%"type":"llm_output"%' THEN 1 ELSE 0 END) AS llm_output_count,
			MAX(is_fork) AS is_fork,
			(SELECT forked_from_run_id FROM events e3 WHERE e3.run_id = e.run_id AND e3.forked_from_run_id IS NOT NULL LIMIT 1) AS forked_from_run_id
		FROM events e
		GROUP BY run_id
		ORDER BY last_activity DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var r SessionRow
		var isForkInt int
		if err := rows.Scan(
			&r.RunID, &r.SessionKey, &r.StartTime, &r.LastActivity, &r.EventCount,
			&r.LLMInputCount, &r.LLMOutputCount, &isForkInt, &r.ForkedFromRunID,
		); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		r.IsFork = isForkInt != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// isSessionKey reports whether id is used as a session_key by any event.
func (s *Store) isSessionKey(id string) (bool, error) {
	var exists int
	err := s.db.QueryRow(`SELECT 1 FROM events WHERE session_key = ? LIMIT 1`, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check session_key: %w", err)
	}
	return true, nil
}

// ListTracesBySessionId resolves id either as a session_key (returning all
// events from every run sharing that key) or as a run_id, ordered by
// (ts, seq).
func (s *Store) ListTracesBySessionId(id string) ([]Event, error) {
	bySession, err := s.isSessionKey(id)
	if err != nil {
		return nil, err
	}

	query := `SELECT id, run_id, session_key, seq, stream, ts, data, is_fork, forked_from_run_id, created_at
	          FROM events WHERE run_id = ? ORDER BY ts, seq`
	if bySession {
		query = `SELECT id, run_id, session_key, seq, stream, ts, data, is_fork, forked_from_run_id, created_at
		          FROM events WHERE session_key = ? ORDER BY ts, seq`
	}

	rows, err := s.db.Query(query, id)
	if err != nil {
		return nil, fmt.Errorf("list traces: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var data string
		if err := rows.Scan(
			&e.ID, &e.RunID, &e.SessionKey, &e.Seq, &e.Stream, &e.TS, &data,
			&e.IsFork, &e.ForkedFromRunID, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Data = []byte(data)
		out = append(out, e)
	}
	return out, rows.Err()
}

// EventsBefore returns runID's events with seq < targetSeq, ordered by seq
// ascending — the history slice a fork is built from.
func (s *Store) EventsBefore(runID string, targetSeq int64) ([]Event, error) {
	rows, err := s.db.Query(
		`SELECT id, run_id, session_key, seq, stream, ts, data, is_fork, forked_from_run_id, created_at
		 FROM events WHERE run_id = ? AND seq < ? ORDER BY seq`,
		runID, targetSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("events before: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var data string
		if err := rows.Scan(
			&e.ID, &e.RunID, &e.SessionKey, &e.Seq, &e.Stream, &e.TS, &data,
			&e.IsFork, &e.ForkedFromRunID, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Data = []byte(data)
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestSessionKey returns the most recent non-null session_key recorded
// for runID.
func (s *Store) LatestSessionKey(runID string) (string, error) {
	var key sql.NullString
	err := s.db.QueryRow(
		`SELECT session_key FROM events WHERE run_id = ? AND session_key IS NOT NULL ORDER BY seq DESC LIMIT 1`,
		runID,
	).Scan(&key)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("latest session key: %w", err)
	}
	return key.String, nil
}

// RecentLifecycleEvents returns the most recent limit lifecycle-stream
// events recorded under sessionKey, oldest first — the fallback search
// space for delivery-hint derivation.
func (s *Store) RecentLifecycleEvents(sessionKey string, limit int) ([]Event, error) {
	rows, err := s.db.Query(
		`SELECT id, run_id, session_key, seq, stream, ts, data, is_fork, forked_from_run_id, created_at
		 FROM events WHERE session_key = ? AND stream = 'lifecycle' ORDER BY ts DESC, seq DESC LIMIT ?`,
		sessionKey, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent lifecycle events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var data string
		if err := rows.Scan(
			&e.ID, &e.RunID, &e.SessionKey, &e.Seq, &e.Stream, &e.TS, &data,
			&e.IsFork, &e.ForkedFromRunID, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Data = []byte(data)
		out = append(out, e)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

// NextSeq returns one past the highest recorded seq for run_id, or 0 if the
// run has no events yet. Used to append rewind audit events after a run's
// existing history without violating the append-only,
// strictly-monotonic seq invariant.
func (s *Store) NextSeq(runID string) (int64, error) {
	var maxSeq sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(seq) FROM events WHERE run_id = ?`, runID).Scan(&maxSeq)
	if err != nil {
		return 0, fmt.Errorf("next seq: %w", err)
	}
	if !maxSeq.Valid {
		return 0, nil
	}
	return maxSeq.Int64 + 1, nil
}

// RunsCreatedAfter returns distinct run_ids with at least one event created
// at or after sinceMs, optionally filtered to a session_key, excluding the
// given run ids. Used by the Fork Engine's post-call linkage sweep.
func (s *Store) RunsCreatedAfter(sinceMs int64, sessionKey *string, exclude []string) ([]string, error) {
	excludeSet := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excludeSet[id] = true
	}

	query := `SELECT DISTINCT run_id, MIN(created_at) as first_seen FROM events WHERE created_at >= ?`
	args := []interface{}{sinceMs}
	if sessionKey != nil {
		query += ` AND session_key = ?`
		args = append(args, *sessionKey)
	}
	query += ` GROUP BY run_id ORDER BY first_seen ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("runs created after: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var runID string
		var firstSeen int64
		if err := rows.Scan(&runID, &firstSeen); err != nil {
			return nil, fmt.Errorf("scan run id: %w", err)
		}
		if excludeSet[runID] {
			continue
		}
		out = append(out, runID)
	}
	return out, rows.Err()
}
