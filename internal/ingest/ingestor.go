// Package ingest is the tracer-facing push channel and per-event pipeline:
// fallback synthesis for background events, lineage resolution,
// persistence, pending-fork linkage, and file snapshot extraction.
package ingest

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/forked/forked/internal/events"
	"github.com/forked/forked/internal/lineage"
	"github.com/forked/forked/internal/store"
)

const runQueueBuffer = 256

type eventStore interface {
	InsertEvent(store.Event) (int64, error)
	InsertSnapshotStart(store.Snapshot) (int64, error)
	UpdateSnapshotEnd(runID, filePath string, contentAfter *string, existsAfter *bool) error
	InsertSnapshotWholeFile(store.Snapshot) (int64, error)
}

// Ingestor runs the per-run serializing pipeline: events for one run are
// processed strictly in arrival order, but distinct runs may be processed
// concurrently.
type Ingestor struct {
	store   eventStore
	lineage *lineage.Engine
	nowMs   func() int64

	mu                   sync.Mutex
	queues               map[string]*runQueue
	latestSessionKey     string
	latestForkSessionKey string
}

type runQueue struct {
	frames chan Frame
}

// New constructs an Ingestor bound to store and lineage.
func New(store eventStore, lineageEngine *lineage.Engine) *Ingestor {
	return &Ingestor{
		store:   store,
		lineage: lineageEngine,
		nowMs:   func() int64 { return time.Now().UnixMilli() },
		queues:  make(map[string]*runQueue),
	}
}

// Submit accepts one inbound frame, applies background-event fallback
// synthesis, and enqueues it onto its run's serializing worker. A
// background frame that cannot be attached to any known session is dropped
// silently.
func (in *Ingestor) Submit(f Frame) {
	f, ok := in.synthesizeBackgroundRunID(f)
	if !ok {
		return
	}
	in.enqueue(f)
}

// synthesizeBackgroundRunID attaches background config_change/
// setup_file_change frames with no (or "unknown") runId to the live
// session. ok is false when such a frame arrives before any session key
// has been seen — there is nothing to attach it to.
func (in *Ingestor) synthesizeBackgroundRunID(f Frame) (Frame, bool) {
	if f.RunID != "" && f.RunID != "unknown" {
		return f, true
	}
	payload := events.ParsePayload(f.Data)
	if payload.Type != events.TypeConfigChange && payload.Type != events.TypeSetupFileChange {
		return f, true
	}

	in.mu.Lock()
	sessionKey := in.latestForkSessionKey
	if sessionKey == "" {
		sessionKey = in.latestSessionKey
	}
	in.mu.Unlock()

	if sessionKey == "" {
		return f, false
	}

	prefix := sessionKey
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	f.RunID = fmt.Sprintf("bg_%s_%d_%d", prefix, f.TS, f.Seq)
	f.SessionKey = &sessionKey
	return f, true
}

func (in *Ingestor) enqueue(f Frame) {
	in.mu.Lock()
	q, ok := in.queues[f.RunID]
	if !ok {
		q = &runQueue{frames: make(chan Frame, runQueueBuffer)}
		in.queues[f.RunID] = q
		go in.drain(q)
	}
	in.mu.Unlock()

	q.frames <- f
}

func (in *Ingestor) drain(q *runQueue) {
	for f := range q.frames {
		in.process(f)
	}
}

// process resolves lineage, persists, triggers pending-fork linkage, and
// extracts snapshots for a single frame.
func (in *Ingestor) process(f Frame) {
	isFork, forkedFromRunID := in.lineage.Observe(f.RunID, f.SessionKey)
	isFirstEvent := in.lineage.EventCount(f.RunID) == 1

	payload := events.ParsePayload(f.Data)
	if payload.Type == events.TypeForkInfo {
		in.lineage.MarkHasForkInfo(f.RunID)
	}

	in.mu.Lock()
	if f.SessionKey != nil && *f.SessionKey != "" {
		in.latestSessionKey = *f.SessionKey
		if payload.Type == events.TypeForkInfo {
			in.latestForkSessionKey = *f.SessionKey
		}
	}
	in.mu.Unlock()

	var parentPtr *string
	if forkedFromRunID != "" {
		parentPtr = &forkedFromRunID
	}
	if _, err := in.store.InsertEvent(store.Event{
		RunID:           f.RunID,
		SessionKey:      f.SessionKey,
		Seq:             f.Seq,
		Stream:          f.Stream,
		TS:              f.TS,
		Data:            f.Data,
		IsFork:          isFork,
		ForkedFromRunID: parentPtr,
		CreatedAt:       in.nowMs(),
	}); err != nil {
		slog.Error("ingest.persist_failed", "runId", f.RunID, "seq", f.Seq, "error", err)
		return
	}

	if isFirstEvent && in.lineage.PendingCount() > 0 {
		in.lineage.TryLink(f.RunID)
	}

	in.extractSnapshot(f, payload)
}

func (in *Ingestor) extractSnapshot(f Frame, payload events.Payload) {
	switch payload.Type {
	case events.TypeToolCallStart:
		toolName, snap, ok := payload.AsToolCallStartEnd()
		if !ok {
			return
		}
		if _, err := in.store.InsertSnapshotStart(store.Snapshot{
			RunID: f.RunID, Seq: f.Seq, ToolName: toolName, FilePath: snap.FilePath,
			ContentBefore: snap.ContentBefore, ExistedBefore: snap.ExistedBefore, CreatedAt: in.nowMs(),
		}); err != nil {
			slog.Error("ingest.snapshot_start_failed", "runId", f.RunID, "filePath", snap.FilePath, "error", err)
		}

	case events.TypeToolCallEnd:
		_, snap, ok := payload.AsToolCallStartEnd()
		if !ok {
			return
		}
		if err := in.store.UpdateSnapshotEnd(f.RunID, snap.FilePath, snap.ContentAfter, snap.ExistsAfter); err != nil {
			slog.Error("ingest.snapshot_end_failed", "runId", f.RunID, "filePath", snap.FilePath, "error", err)
		}

	case events.TypeConfigChange, events.TypeSetupFileChange:
		snap, ok := payload.AsConfigChange()
		if !ok {
			return
		}
		if _, err := in.store.InsertSnapshotWholeFile(store.Snapshot{
			RunID: f.RunID, Seq: f.Seq, ToolName: payload.Type, FilePath: snap.FilePath,
			ContentBefore: snap.ContentBefore, ContentAfter: snap.ContentAfter,
			ExistedBefore: snap.ExistedBefore, ExistsAfter: snap.ExistsAfter, CreatedAt: in.nowMs(),
		}); err != nil {
			slog.Error("ingest.snapshot_whole_file_failed", "runId", f.RunID, "filePath", snap.FilePath, "error", err)
		}
	}
}
