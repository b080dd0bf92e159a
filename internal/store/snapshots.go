package store

import "fmt"

// InsertSnapshotStart records a file's state as observed at tool_call_start.
func (s *Store) InsertSnapshotStart(snap Snapshot) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO snapshots (run_id, seq, tool_name, file_path, content_before, existed_before, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.RunID, snap.Seq, snap.ToolName, snap.FilePath, snap.ContentBefore, snap.ExistedBefore, snap.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert snapshot start: %w", err)
	}
	return res.LastInsertId()
}

// UpdateSnapshotEnd fills content_after/exists_after on the most recent
// start row for (run_id, file_path) whose content_after is still NULL.
func (s *Store) UpdateSnapshotEnd(runID, filePath string, contentAfter *string, existsAfter *bool) error {
	_, err := s.db.Exec(`
		UPDATE snapshots SET content_after = ?, exists_after = ?
		WHERE id = (
			SELECT id FROM snapshots
			WHERE run_id = ? AND file_path = ? AND content_after IS NULL
			ORDER BY seq DESC LIMIT 1
		)`,
		contentAfter, existsAfter, runID, filePath,
	)
	if err != nil {
		return fmt.Errorf("update snapshot end: %w", err)
	}
	return nil
}

// InsertSnapshotWholeFile records a before+after pair in a single row, used
// for config_change/setup_file_change observations which have no separate
// start/end phase.
func (s *Store) InsertSnapshotWholeFile(snap Snapshot) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO snapshots (run_id, seq, tool_name, file_path, content_before, content_after, existed_before, exists_after, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.RunID, snap.Seq, snap.ToolName, snap.FilePath,
		snap.ContentBefore, snap.ContentAfter, snap.ExistedBefore, snap.ExistsAfter, snap.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert snapshot whole file: %w", err)
	}
	return res.LastInsertId()
}

// ListSnapshotsBySessionId resolves id as a session_key first (all
// snapshots from every run sharing that key), else as a run_id.
func (s *Store) ListSnapshotsBySessionId(id string) ([]Snapshot, error) {
	bySession, err := s.isSessionKey(id)
	if err != nil {
		return nil, err
	}

	query := `SELECT sn.id, sn.run_id, sn.seq, sn.tool_name, sn.file_path, sn.content_before, sn.content_after,
	                 sn.existed_before, sn.exists_after, sn.created_at
	          FROM snapshots sn WHERE sn.run_id = ? ORDER BY sn.seq`
	if bySession {
		query = `SELECT sn.id, sn.run_id, sn.seq, sn.tool_name, sn.file_path, sn.content_before, sn.content_after,
		                sn.existed_before, sn.exists_after, sn.created_at
		         FROM snapshots sn
		         JOIN (SELECT DISTINCT run_id FROM events WHERE session_key = ?) r ON r.run_id = sn.run_id
		         ORDER BY sn.seq`
	}

	return s.querySnapshots(query, id)
}

// SnapshotsUpTo returns every snapshot for run_id with seq <= targetSeq,
// ordered by seq ascending.
func (s *Store) SnapshotsUpTo(runID string, targetSeq int64) ([]Snapshot, error) {
	return s.querySnapshots(
		`SELECT id, run_id, seq, tool_name, file_path, content_before, content_after, existed_before, exists_after, created_at
		 FROM snapshots WHERE run_id = ? AND seq <= ? ORDER BY seq ASC`,
		runID, targetSeq,
	)
}

func (s *Store) querySnapshots(query string, args ...interface{}) ([]Snapshot, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var sn Snapshot
		if err := rows.Scan(
			&sn.ID, &sn.RunID, &sn.Seq, &sn.ToolName, &sn.FilePath,
			&sn.ContentBefore, &sn.ContentAfter, &sn.ExistedBefore, &sn.ExistsAfter, &sn.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, sn)
	}
	return out, rows.Err()
}
