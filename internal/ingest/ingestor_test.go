package ingest

import (
	"sync"
	"testing"
	"time"

	"github.com/forked/forked/internal/lineage"
	"github.com/forked/forked/internal/store"
)

type fakeStore struct {
	mu        sync.Mutex
	events    []store.Event
	starts    []store.Snapshot
	wholeFile []store.Snapshot
	ends      []struct {
		runID, filePath string
		contentAfter    *string
		existsAfter     *bool
	}
}

func (f *fakeStore) InsertEvent(e store.Event) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return int64(len(f.events)), nil
}

func (f *fakeStore) InsertSnapshotStart(s store.Snapshot) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, s)
	return 1, nil
}

func (f *fakeStore) UpdateSnapshotEnd(runID, filePath string, contentAfter *string, existsAfter *bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ends = append(f.ends, struct {
		runID, filePath string
		contentAfter    *string
		existsAfter     *bool
	}{runID, filePath, contentAfter, existsAfter})
	return nil
}

func (f *fakeStore) InsertSnapshotWholeFile(s store.Snapshot) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wholeFile = append(f.wholeFile, s)
	return 1, nil
}

func newTestIngestor() (*Ingestor, *fakeStore) {
	fs := &fakeStore{}
	eng := lineage.NewEngine(nil, 2)
	in := New(fs, eng)
	return in, fs
}

// drainSync processes a frame and blocks until it has been persisted, since
// Submit enqueues onto a background goroutine.
func drainSync(t *testing.T, in *Ingestor, fs *fakeStore, f Frame, wantCount int) {
	t.Helper()
	in.Submit(f)
	for i := 0; i < 1000; i++ {
		fs.mu.Lock()
		n := len(fs.events)
		fs.mu.Unlock()
		if n >= wantCount {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("event not persisted after polling: want count %d", wantCount)
}

func TestSubmitPersistsEventInOrder(t *testing.T) {
	in, fs := newTestIngestor()
	sk := "agent:main:telegram:direct:1"

	drainSync(t, in, fs, Frame{RunID: "run-a", SessionKey: &sk, Seq: 0, Stream: "lifecycle", TS: 100, Data: []byte(`{"type":"session_start"}`)}, 1)
	drainSync(t, in, fs, Frame{RunID: "run-a", SessionKey: &sk, Seq: 1, Stream: "assistant", TS: 200, Data: []byte(`{"type":"llm_input","prompt":"hi"}`)}, 2)

	if fs.events[0].Seq != 0 || fs.events[1].Seq != 1 {
		t.Fatalf("events out of order: %+v", fs.events)
	}
}

func TestSynthesizeBackgroundRunID(t *testing.T) {
	in, fs := newTestIngestor()
	sk := "agent:main:telegram:direct:1"

	drainSync(t, in, fs, Frame{RunID: "run-a", SessionKey: &sk, Seq: 0, Stream: "lifecycle", TS: 100, Data: []byte(`{"type":"session_start"}`)}, 1)

	drainSync(t, in, fs, Frame{RunID: "unknown", Seq: 0, Stream: "lifecycle", TS: 500, Data: []byte(`{"type":"config_change","filePath":"/tmp/x","fileSnapshot":{"filePath":"/tmp/x"}}`)}, 2)

	if fs.events[1].RunID == "unknown" {
		t.Fatalf("background event runId not synthesized: %+v", fs.events[1])
	}
	wantPrefix := "bg_" + sk[:8]
	if len(fs.events[1].RunID) < len(wantPrefix) || fs.events[1].RunID[:len(wantPrefix)] != wantPrefix {
		t.Errorf("synthesized runId = %q, want prefix %q", fs.events[1].RunID, wantPrefix)
	}
}

func TestBackgroundFrameWithNoKnownSessionIsDropped(t *testing.T) {
	in, fs := newTestIngestor()

	in.Submit(Frame{RunID: "unknown", Seq: 0, Stream: "lifecycle", TS: 500, Data: []byte(`{"type":"config_change","filePath":"/tmp/x","fileSnapshot":{"filePath":"/tmp/x"}}`)})
	time.Sleep(20 * time.Millisecond)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.events) != 0 {
		t.Fatalf("background frame with no session to attach to should be dropped, got %+v", fs.events)
	}
}

func TestSnapshotExtractionToolCallStartEnd(t *testing.T) {
	in, fs := newTestIngestor()

	drainSync(t, in, fs, Frame{
		RunID: "run-a", Seq: 0, Stream: "tool", TS: 100,
		Data: []byte(`{"type":"tool_call_start","toolName":"edit_file","fileSnapshot":{"filePath":"/tmp/a.txt","contentBefore":"old","existedBefore":true}}`),
	}, 1)
	drainSync(t, in, fs, Frame{
		RunID: "run-a", Seq: 1, Stream: "tool", TS: 200,
		Data: []byte(`{"type":"tool_call_end","toolName":"edit_file","fileSnapshot":{"filePath":"/tmp/a.txt","contentAfter":"new","existsAfter":true}}`),
	}, 2)

	if len(fs.starts) != 1 || fs.starts[0].FilePath != "/tmp/a.txt" {
		t.Fatalf("snapshot start not recorded: %+v", fs.starts)
	}
	if len(fs.ends) != 1 || fs.ends[0].filePath != "/tmp/a.txt" {
		t.Fatalf("snapshot end not recorded: %+v", fs.ends)
	}
}

func TestLineagePromotionStampsIsFork(t *testing.T) {
	in, fs := newTestIngestor()
	sk := "agent:main:telegram:direct:1"
	in.lineage.SetSessionForkHead(sk, "placeholder-1")

	drainSync(t, in, fs, Frame{RunID: "new-run", SessionKey: &sk, Seq: 0, Stream: "lifecycle", TS: 100, Data: []byte(`{}`)}, 1)
	drainSync(t, in, fs, Frame{RunID: "new-run", SessionKey: &sk, Seq: 1, Stream: "lifecycle", TS: 200, Data: []byte(`{}`)}, 2)

	if !fs.events[1].IsFork || fs.events[1].ForkedFromRunID == nil || *fs.events[1].ForkedFromRunID != "placeholder-1" {
		t.Errorf("second event should be promoted: %+v", fs.events[1])
	}
}
