package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/forked/forked/internal/forkengine"
	"github.com/forked/forked/internal/rewind"
	"github.com/forked/forked/internal/store"
)

type apiStore interface {
	ListSessions() ([]store.SessionRow, error)
	ListTracesBySessionId(id string) ([]store.Event, error)
	ListSnapshotsBySessionId(id string) ([]store.Snapshot, error)
}

type rewindEngine interface {
	Preview(runID string, targetSeq int64) ([]rewind.PreviewEntry, error)
	Rewind(runID string, targetSeq int64) (rewind.Result, error)
}

type forkEngine interface {
	Fork(ctx context.Context, originRunID string, forkFromSeq int64, modifiedPayload json.RawMessage) (forkengine.Result, error)
}

type configView interface {
	Sanitize() map[string]interface{}
	RetentionView() interface{}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// handleHealth implements GET /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": int64(time.Since(s.startedAt).Seconds()),
	})
}

// handleConfig implements GET /api/config.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"retentionDays": s.cfg.RetentionView()})
}

// handleOpenclawConfig implements GET /api/openclaw-config, returning the
// sanitized config view.
func (s *Server) handleOpenclawConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "config": s.cfg.Sanitize()})
}

// handleSessions implements GET /api/sessions.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.ListSessions()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if rows == nil {
		rows = []store.SessionRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// handleTraces implements GET /api/traces/:id.
func (s *Server) handleTraces(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing id"})
		return
	}
	evts, err := s.store.ListTracesBySessionId(id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if evts == nil {
		evts = []store.Event{}
	}
	writeJSON(w, http.StatusOK, evts)
}

// handleSnapshots implements GET /api/snapshots/:id.
func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing id"})
		return
	}
	snaps, err := s.store.ListSnapshotsBySessionId(id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if snaps == nil {
		snaps = []store.Snapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

// handleRewindPreview implements GET /api/rewind/preview/:runId/:seq.
func (s *Server) handleRewindPreview(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	seq, err := strconv.ParseInt(r.PathValue("seq"), 10, 64)
	if runID == "" || err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid runId or seq"})
		return
	}
	entries, err := s.rewind.Preview(runID, seq)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if entries == nil {
		entries = []rewind.PreviewEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runId": runID, "targetSeq": seq, "files": entries})
}

type rewindRequest struct {
	RunID     string `json:"runId"`
	TargetSeq int64  `json:"targetSeq"`
}

// handleRewind implements POST /api/rewind.
func (s *Server) handleRewind(w http.ResponseWriter, r *http.Request) {
	var req rewindRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RunID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "runId and targetSeq are required"})
		return
	}
	result, err := s.rewind.Rewind(req.RunID, req.TargetSeq)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type forkRequest struct {
	OriginalRunID string          `json:"originalRunId"`
	ForkFromSeq   int64           `json:"forkFromSeq"`
	ModifiedData  json.RawMessage `json:"modifiedData"`
}

// handleFork implements POST /api/fork. Gateway failures surface as 502
// with a diagnostic message; the placeholder run stays in the Store.
func (s *Server) handleFork(w http.ResponseWriter, r *http.Request) {
	var req forkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OriginalRunID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "originalRunId and forkFromSeq are required"})
		return
	}
	result, err := s.fork.Fork(r.Context(), req.OriginalRunID, req.ForkFromSeq, req.ModifiedData)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if !result.Success {
		writeJSON(w, http.StatusBadGateway, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
