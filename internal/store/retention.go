package store

import "fmt"

// DeleteOlderThan removes events and snapshots whose created_at is older
// than cutoffMs, for the retention sweeper.
func (s *Store) DeleteOlderThan(cutoffMs int64) (eventsDeleted, snapshotsDeleted int64, err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, 0, fmt.Errorf("begin retention sweep: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM events WHERE created_at < ?`, cutoffMs)
	if err != nil {
		return 0, 0, fmt.Errorf("delete events: %w", err)
	}
	eventsDeleted, _ = res.RowsAffected()

	res, err = tx.Exec(`DELETE FROM snapshots WHERE created_at < ?`, cutoffMs)
	if err != nil {
		return 0, 0, fmt.Errorf("delete snapshots: %w", err)
	}
	snapshotsDeleted, _ = res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit retention sweep: %w", err)
	}
	return eventsDeleted, snapshotsDeleted, nil
}
