// Package rewind restores the filesystem to the state it held just before
// a chosen point in a run's history, with a backup of whatever it
// overwrites.
package rewind

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/forked/forked/internal/store"
)

type snapshotStore interface {
	SnapshotsUpTo(runID string, targetSeq int64) ([]store.Snapshot, error)
	InsertEvent(store.Event) (int64, error)
	NextSeq(runID string) (int64, error)
}

// Engine executes rewind and preview operations against the filesystem and
// the Store.
type Engine struct {
	store snapshotStore
	nowMs func() int64
}

// New constructs a rewind Engine.
func New(store snapshotStore) *Engine {
	return &Engine{store: store, nowMs: func() int64 { return time.Now().UnixMilli() }}
}

// earliestPerFile reduces an ascending-by-seq snapshot list to the earliest
// row per distinct file_path, preserving first-appearance order. The
// earliest row's content_before is the file's state just prior to the
// target point.
func earliestPerFile(snaps []store.Snapshot) []store.Snapshot {
	seen := make(map[string]bool, len(snaps))
	out := make([]store.Snapshot, 0, len(snaps))
	for _, s := range snaps {
		if seen[s.FilePath] {
			continue
		}
		seen[s.FilePath] = true
		out = append(out, s)
	}
	return out
}

func existedBefore(s store.Snapshot) bool {
	return s.ExistedBefore != nil && *s.ExistedBefore
}

// Preview computes what Rewind would do without touching the filesystem.
func (e *Engine) Preview(runID string, targetSeq int64) ([]PreviewEntry, error) {
	snaps, err := e.store.SnapshotsUpTo(runID, targetSeq)
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}
	if len(snaps) == 0 {
		return nil, nil
	}

	var entries []PreviewEntry
	for _, s := range earliestPerFile(snaps) {
		action := ActionRestore
		if !existedBefore(s) {
			action = ActionDelete
		}
		entries = append(entries, PreviewEntry{
			FilePath:        s.FilePath,
			OriginalExisted: existedBefore(s),
			Action:          action,
		})
	}
	return entries, nil
}

// Rewind restores every file touched in runID's history up to targetSeq
// back to its state just prior to that point, backing up whatever it
// overwrites or deletes.
func (e *Engine) Rewind(runID string, targetSeq int64) (Result, error) {
	snaps, err := e.store.SnapshotsUpTo(runID, targetSeq)
	if err != nil {
		return Result{}, fmt.Errorf("load snapshots: %w", err)
	}
	if len(snaps) == 0 {
		return Result{Success: false, FailureKind: FailureKindNoSnapshots, Message: "No file snapshots recorded at or before the target sequence"}, nil
	}

	backupID := "rewind_" + strconv.FormatInt(e.nowMs(), 10)

	var results []FileResult
	var backups []Backup
	filesAffected := 0

	for _, s := range earliestPerFile(snaps) {
		backup, fileResult := e.restoreOne(s)
		backups = append(backups, backup)
		results = append(results, fileResult)
		if fileResult.Success {
			filesAffected++
		}
	}

	result := Result{
		Success:        filesAffected > 0,
		BackupID:       backupID,
		FilesAffected:  filesAffected,
		PerFileResults: results,
		Backups:        backups,
	}

	if err := e.appendAudit(runID, targetSeq, backupID, filesAffected); err != nil {
		slog.Error("rewind.audit_append_failed", "runId", runID, "error", err)
	}
	return result, nil
}

func (e *Engine) restoreOne(s store.Snapshot) (Backup, FileResult) {
	backup := e.captureBackup(s.FilePath)

	if !existedBefore(s) {
		if backup.CurrentExists {
			if err := os.Remove(s.FilePath); err != nil {
				return backup, FileResult{FilePath: s.FilePath, Action: ActionDeleted, Success: false, Error: err.Error()}
			}
			return backup, FileResult{FilePath: s.FilePath, Action: ActionDeleted, Success: true}
		}
		return backup, FileResult{FilePath: s.FilePath, Action: ActionAlreadyAbsent, Success: true}
	}

	content := ""
	if s.ContentBefore != nil {
		content = *s.ContentBefore
	}
	if strings.HasSuffix(content, TruncatedMarker) {
		return backup, FileResult{FilePath: s.FilePath, Action: ActionRestored, Success: false, Error: "content_before was truncated, cannot restore"}
	}

	if dir := filepath.Dir(s.FilePath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return backup, FileResult{FilePath: s.FilePath, Action: ActionRestored, Success: false, Error: err.Error()}
		}
	}
	if err := os.WriteFile(s.FilePath, []byte(content), 0644); err != nil {
		return backup, FileResult{FilePath: s.FilePath, Action: ActionRestored, Success: false, Error: err.Error()}
	}
	return backup, FileResult{FilePath: s.FilePath, Action: ActionRestored, Success: true}
}

func (e *Engine) captureBackup(filePath string) Backup {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return Backup{FilePath: filePath, CurrentExists: false}
	}
	content := string(data)
	return Backup{FilePath: filePath, CurrentContent: &content, CurrentExists: true}
}

func (e *Engine) appendAudit(runID string, targetSeq int64, backupID string, filesAffected int) error {
	seq, err := e.store.NextSeq(runID)
	if err != nil {
		return err
	}
	data := fmt.Sprintf(
		`{"type":"rewind_executed","runId":%q,"targetSeq":%d,"backupId":%q,"filesAffected":%d}`,
		runID, targetSeq, backupID, filesAffected,
	)
	_, err = e.store.InsertEvent(store.Event{
		RunID:     runID,
		Seq:       seq,
		Stream:    "rewind",
		TS:        e.nowMs(),
		Data:      []byte(data),
		CreatedAt: e.nowMs(),
	})
	return err
}
