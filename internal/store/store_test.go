package store

import (
	"os"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "forked.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCreatesFileWithRestrictedPerms(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forked.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("store file perm = %o, want 0600", perm)
	}

	v, err := s.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != schemaVersion {
		t.Errorf("SchemaVersion = %d, want %d", v, schemaVersion)
	}
}

func TestInsertEventAndListTracesBySessionId(t *testing.T) {
	s := openTestStore(t)

	sk := "agent:main:telegram:direct:1"
	if _, err := s.InsertEvent(Event{RunID: "run-a", SessionKey: &sk, Seq: 0, Stream: "lifecycle", TS: 100, Data: []byte(`{"type":"session_start"}`), CreatedAt: 100}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.InsertEvent(Event{RunID: "run-a", SessionKey: &sk, Seq: 1, Stream: "assistant", TS: 200, Data: []byte(`{"type":"llm_output"}`), CreatedAt: 200}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.InsertEvent(Event{RunID: "run-b", SessionKey: &sk, Seq: 0, Stream: "lifecycle", TS: 150, Data: []byte(`{"type":"session_start"}`), CreatedAt: 150}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	bySession, err := s.ListTracesBySessionId(sk)
	if err != nil {
		t.Fatalf("ListTracesBySessionId(session): %v", err)
	}
	if len(bySession) != 3 {
		t.Fatalf("len(bySession) = %d, want 3", len(bySession))
	}
	if bySession[0].TS != 100 || bySession[1].TS != 150 || bySession[2].TS != 200 {
		t.Errorf("events not ordered by (ts, seq): %+v", bySession)
	}

	byRun, err := s.ListTracesBySessionId("run-a")
	if err != nil {
		t.Fatalf("ListTracesBySessionId(run): %v", err)
	}
	if len(byRun) != 2 {
		t.Fatalf("len(byRun) = %d, want 2", len(byRun))
	}
}

func TestListSessionsAggregates(t *testing.T) {
	s := openTestStore(t)
	sk := "agent:main:telegram:direct:1"

	s.InsertEvent(Event{RunID: "run-a", SessionKey: &sk, Seq: 0, Stream: "lifecycle", TS: 100, Data: []byte(`{"type":"session_start"}`), CreatedAt: 100})
	s.InsertEvent(Event{RunID: "run-a", SessionKey: &sk, Seq: 1, Stream: "assistant", TS: 200, Data: []byte(`{"type":"llm_input"}`), CreatedAt: 200})
	s.InsertEvent(Event{RunID: "run-a", SessionKey: &sk, Seq: 2, Stream: "assistant", TS: 300, Data: []byte(`{"type":"llm_output"}`), CreatedAt: 300})

	rows, err := s.ListSessions()
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("len(rows) = %d, want 1", len(rows))
	}
	r := rows[0]
	if r.EventCount != 3 || r.LLMInputCount != 1 || r.LLMOutputCount != 1 {
		t.Errorf("aggregates wrong: %+v", r)
	}
	if r.StartTime != 100 || r.LastActivity != 300 {
		t.Errorf("start/last wrong: %+v", r)
	}
}

func TestBackfillLineage(t *testing.T) {
	s := openTestStore(t)
	s.InsertEvent(Event{RunID: "run-a", Seq: 0, Stream: "lifecycle", TS: 100, Data: []byte(`{}`), CreatedAt: 100})
	s.InsertEvent(Event{RunID: "run-a", Seq: 1, Stream: "assistant", TS: 200, Data: []byte(`{}`), CreatedAt: 200})

	if err := s.BackfillLineage("run-a", true, "placeholder-1"); err != nil {
		t.Fatalf("BackfillLineage: %v", err)
	}

	events, err := s.ListTracesBySessionId("run-a")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, e := range events {
		if !e.IsFork || e.ForkedFromRunID == nil || *e.ForkedFromRunID != "placeholder-1" {
			t.Errorf("event %d not backfilled: %+v", e.ID, e)
		}
	}
}

func TestSnapshotStartEndLifecycle(t *testing.T) {
	s := openTestStore(t)
	existed := true

	before := "old content"
	if _, err := s.InsertSnapshotStart(Snapshot{RunID: "run-a", Seq: 5, ToolName: "edit_file", FilePath: "/tmp/a.txt", ContentBefore: &before, ExistedBefore: &existed, CreatedAt: 100}); err != nil {
		t.Fatalf("InsertSnapshotStart: %v", err)
	}

	after := "new content"
	existsAfter := true
	if err := s.UpdateSnapshotEnd("run-a", "/tmp/a.txt", &after, &existsAfter); err != nil {
		t.Fatalf("UpdateSnapshotEnd: %v", err)
	}

	snaps, err := s.ListSnapshotsBySessionId("run-a")
	if err != nil {
		t.Fatalf("ListSnapshotsBySessionId: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("len(snaps) = %d, want 1", len(snaps))
	}
	if snaps[0].ContentAfter == nil || *snaps[0].ContentAfter != "new content" {
		t.Errorf("ContentAfter not updated: %+v", snaps[0])
	}
}

func TestDeleteOlderThan(t *testing.T) {
	s := openTestStore(t)
	s.InsertEvent(Event{RunID: "run-old", Seq: 0, Stream: "lifecycle", TS: 1, Data: []byte(`{}`), CreatedAt: 1})
	s.InsertEvent(Event{RunID: "run-new", Seq: 0, Stream: "lifecycle", TS: 1000, Data: []byte(`{}`), CreatedAt: 1000})

	deleted, _, err := s.DeleteOlderThan(500)
	if err != nil {
		t.Fatalf("DeleteOlderThan: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	remaining, err := s.ListSessions()
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(remaining) != 1 || remaining[0].RunID != "run-new" {
		t.Errorf("remaining = %+v, want only run-new", remaining)
	}
}

func TestRunsCreatedAfterExcludesGivenIds(t *testing.T) {
	s := openTestStore(t)
	sk := "agent:main:telegram:direct:1"
	s.InsertEvent(Event{RunID: "placeholder", SessionKey: &sk, Seq: 0, Stream: "fork_info", TS: 100, Data: []byte(`{}`), CreatedAt: 100})
	s.InsertEvent(Event{RunID: "new-run", SessionKey: &sk, Seq: 0, Stream: "lifecycle", TS: 200, Data: []byte(`{}`), CreatedAt: 200})

	runs, err := s.RunsCreatedAfter(50, &sk, []string{"placeholder"})
	if err != nil {
		t.Fatalf("RunsCreatedAfter: %v", err)
	}
	if len(runs) != 1 || runs[0] != "new-run" {
		t.Errorf("runs = %v, want [new-run]", runs)
	}
}
