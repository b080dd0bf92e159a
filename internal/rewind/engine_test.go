package rewind

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/forked/forked/internal/store"
)

type fakeSnapshotStore struct {
	snapshots []store.Snapshot
	events    []store.Event
	nextSeq   int64
}

func (f *fakeSnapshotStore) SnapshotsUpTo(runID string, targetSeq int64) ([]store.Snapshot, error) {
	var out []store.Snapshot
	for _, s := range f.snapshots {
		if s.RunID == runID && s.Seq <= targetSeq {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSnapshotStore) InsertEvent(e store.Event) (int64, error) {
	f.events = append(f.events, e)
	return int64(len(f.events)), nil
}

func (f *fakeSnapshotStore) NextSeq(runID string) (int64, error) {
	return f.nextSeq, nil
}

func boolPtr(b bool) *bool     { return &b }
func strPtr(s string) *string { return &s }

func TestRewindRestoresFileThatExisted(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	os.WriteFile(path, []byte("edited content"), 0644)

	fs := &fakeSnapshotStore{snapshots: []store.Snapshot{
		{RunID: "run-a", Seq: 1, FilePath: path, ContentBefore: strPtr("original content"), ExistedBefore: boolPtr(true)},
	}}
	e := New(fs)

	result, err := e.Rewind("run-a", 5)
	if err != nil {
		t.Fatalf("Rewind: %v", err)
	}
	if !result.Success || result.FilesAffected != 1 {
		t.Fatalf("result = %+v, want success with 1 file affected", result)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read restored file: %v", err)
	}
	if string(data) != "original content" {
		t.Errorf("restored content = %q, want %q", data, "original content")
	}
	if len(fs.events) != 1 || fs.events[0].Stream != "rewind" {
		t.Errorf("no rewind audit event appended: %+v", fs.events)
	}
}

func TestRewindDeletesFileThatDidNotExist(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "new.txt")
	os.WriteFile(path, []byte("created by tool"), 0644)

	fs := &fakeSnapshotStore{snapshots: []store.Snapshot{
		{RunID: "run-a", Seq: 1, FilePath: path, ExistedBefore: boolPtr(false)},
	}}
	e := New(fs)

	result, err := e.Rewind("run-a", 5)
	if err != nil {
		t.Fatalf("Rewind: %v", err)
	}
	if !result.Success || result.PerFileResults[0].Action != ActionDeleted {
		t.Fatalf("result = %+v, want a delete action", result)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("file should have been deleted")
	}
}

func TestRewindAlreadyAbsentFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.txt")

	fs := &fakeSnapshotStore{snapshots: []store.Snapshot{
		{RunID: "run-a", Seq: 1, FilePath: path, ExistedBefore: boolPtr(false)},
	}}
	e := New(fs)

	result, err := e.Rewind("run-a", 5)
	if err != nil {
		t.Fatalf("Rewind: %v", err)
	}
	if result.PerFileResults[0].Action != ActionAlreadyAbsent || !result.PerFileResults[0].Success {
		t.Errorf("result = %+v, want already_absent success", result.PerFileResults[0])
	}
}

func TestRewindNoSnapshotsFails(t *testing.T) {
	fs := &fakeSnapshotStore{}
	e := New(fs)

	result, err := e.Rewind("run-a", 5)
	if err != nil {
		t.Fatalf("Rewind: %v", err)
	}
	if result.Success || result.FailureKind != FailureKindNoSnapshots {
		t.Errorf("result = %+v, want no_snapshots failure", result)
	}
}

func TestRewindTruncatedContentFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.txt")

	fs := &fakeSnapshotStore{snapshots: []store.Snapshot{
		{RunID: "run-a", Seq: 1, FilePath: path, ContentBefore: strPtr(TruncatedMarker), ExistedBefore: boolPtr(true)},
	}}
	e := New(fs)

	result, err := e.Rewind("run-a", 5)
	if err != nil {
		t.Fatalf("Rewind: %v", err)
	}
	if result.Success {
		t.Fatalf("rewind should fail overall when the only file's snapshot is truncated")
	}
	if result.PerFileResults[0].Success {
		t.Errorf("truncated snapshot restore should not be reported as success")
	}
}

func TestEarliestPerFileKeepsFirstSeenOrder(t *testing.T) {
	path := "/tmp/x.txt"
	snaps := []store.Snapshot{
		{FilePath: path, Seq: 1, ContentBefore: strPtr("v1")},
		{FilePath: path, Seq: 2, ContentBefore: strPtr("v2")},
		{FilePath: "/tmp/y.txt", Seq: 3, ContentBefore: strPtr("v3")},
	}
	out := earliestPerFile(snaps)
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2", len(out))
	}
	if out[0].FilePath != path || *out[0].ContentBefore != "v1" {
		t.Errorf("expected earliest snapshot for %s to be v1, got %+v", path, out[0])
	}
}

func TestPreviewDoesNotTouchFilesystem(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	os.WriteFile(path, []byte("current"), 0644)

	fs := &fakeSnapshotStore{snapshots: []store.Snapshot{
		{RunID: "run-a", Seq: 1, FilePath: path, ContentBefore: strPtr("original"), ExistedBefore: boolPtr(true)},
	}}
	e := New(fs)

	entries, err := e.Preview("run-a", 5)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != ActionRestore {
		t.Fatalf("entries = %+v, want one restore entry", entries)
	}

	data, _ := os.ReadFile(path)
	if string(data) != "current" {
		t.Errorf("Preview must not modify the filesystem, content changed to %q", data)
	}
}
