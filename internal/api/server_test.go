package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/forked/forked/internal/forkengine"
	"github.com/forked/forked/internal/rewind"
	"github.com/forked/forked/internal/store"
)

type fakeStore struct {
	sessions  []store.SessionRow
	traces    []store.Event
	snapshots []store.Snapshot
	err       error
}

func (f *fakeStore) ListSessions() ([]store.SessionRow, error)                { return f.sessions, f.err }
func (f *fakeStore) ListTracesBySessionId(id string) ([]store.Event, error)   { return f.traces, f.err }
func (f *fakeStore) ListSnapshotsBySessionId(id string) ([]store.Snapshot, error) {
	return f.snapshots, f.err
}

type fakeRewind struct {
	preview []rewind.PreviewEntry
	result  rewind.Result
	err     error
}

func (f *fakeRewind) Preview(runID string, targetSeq int64) ([]rewind.PreviewEntry, error) {
	return f.preview, f.err
}

func (f *fakeRewind) Rewind(runID string, targetSeq int64) (rewind.Result, error) {
	return f.result, f.err
}

type fakeFork struct {
	result forkengine.Result
	err    error
}

func (f *fakeFork) Fork(ctx context.Context, originalRunID string, forkFromSeq int64, modifiedData json.RawMessage) (forkengine.Result, error) {
	return f.result, f.err
}

type fakeConfig struct{}

func (fakeConfig) Sanitize() map[string]interface{} { return map[string]interface{}{"gateway": "ok"} }
func (fakeConfig) RetentionView() interface{}        { return 14 }

func newTestServer() (*Server, *fakeStore, *fakeRewind, *fakeFork) {
	st := &fakeStore{}
	rw := &fakeRewind{}
	fk := &fakeFork{}
	s := New(st, rw, fk, fakeConfig{}, 0, time.Now())
	return s, st, rw, fk
}

func (s *Server) serveHTTP(r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.cors(s.mux).ServeHTTP(w, r)
	return w
}

func TestHandleHealth(t *testing.T) {
	s, _, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := s.serveHTTP(req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v, want ok", body["status"])
	}
}

func TestHandleSessionsNormalizesNilToEmptyArray(t *testing.T) {
	s, _, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	w := s.serveHTTP(req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Body.String(); got != "[]\n" {
		t.Errorf("body = %q, want an empty JSON array", got)
	}
}

func TestHandleRewindPreviewRejectsInvalidSeq(t *testing.T) {
	s, _, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/rewind/preview/run-a/not-a-number", nil)
	w := s.serveHTTP(req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestHandleForkReturnsBadGatewayOnFailure(t *testing.T) {
	s, _, _, fk := newTestServer()
	fk.result = forkengine.Result{Success: false, Error: "gateway unreachable"}

	body, _ := json.Marshal(forkRequest{OriginalRunID: "run-a", ForkFromSeq: 5})
	req := httptest.NewRequest(http.MethodPost, "/api/fork", bytes.NewReader(body))
	w := s.serveHTTP(req)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
}

func TestHandleForkSucceeds(t *testing.T) {
	s, _, _, fk := newTestServer()
	fk.result = forkengine.Result{Success: true, NewRunID: "fork-1", Linked: true}

	body, _ := json.Marshal(forkRequest{OriginalRunID: "run-a", ForkFromSeq: 5})
	req := httptest.NewRequest(http.MethodPost, "/api/fork", bytes.NewReader(body))
	w := s.serveHTTP(req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestHandleForkRequiresOriginalRunID(t *testing.T) {
	s, _, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/api/fork", bytes.NewReader([]byte(`{}`)))
	w := s.serveHTTP(req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestRateLimiterBlocksBurstAboveCapacity(t *testing.T) {
	s, _, _, fk := newTestServer()
	fk.result = forkengine.Result{Success: true, NewRunID: "fork-1"}
	body, _ := json.Marshal(forkRequest{OriginalRunID: "run-a", ForkFromSeq: 5})

	var lastCode int
	for i := 0; i < 25; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/fork", bytes.NewReader(body))
		req.RemoteAddr = "10.0.0.1:5555"
		w := s.serveHTTP(req)
		lastCode = w.Code
	}
	if lastCode != http.StatusTooManyRequests {
		t.Fatalf("last status = %d, want 429 after exceeding the burst capacity", lastCode)
	}
}

func TestCORSAllowsLoopbackOrigin(t *testing.T) {
	s, _, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	w := s.serveHTTP(req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("Access-Control-Allow-Origin = %q, want the echoed loopback origin", got)
	}
}

func TestCORSRejectsNonLoopbackOrigin(t *testing.T) {
	s, _, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Origin", "http://evil.example.com")
	w := s.serveHTTP(req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Access-Control-Allow-Origin = %q, want empty for a non-loopback origin", got)
	}
}
