// Package forkengine orchestrates a fork: writing the placeholder branch
// events, optionally rewinding the filesystem first, deriving where the
// reply belongs, driving the Gateway conversation, and linking the run the
// Gateway creates back into the lineage once it starts emitting events.
package forkengine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-runewidth"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/forked/forked/internal/events"
	"github.com/forked/forked/internal/gatewayclient"
	"github.com/forked/forked/internal/lineage"
	"github.com/forked/forked/internal/rewind"
	"github.com/forked/forked/internal/sessions"
	"github.com/forked/forked/internal/store"
)

var tracer = otel.Tracer("github.com/forked/forked/internal/forkengine")

const (
	echoMaxRunes         = 3000
	recentLifecycleLimit = 200
	telegramChannel      = "telegram"
)

type forkStore interface {
	EventsBefore(runID string, targetSeq int64) ([]store.Event, error)
	LatestSessionKey(runID string) (string, error)
	InsertEvent(store.Event) (int64, error)
	NextSeq(runID string) (int64, error)
	RecentLifecycleEvents(sessionKey string, limit int) ([]store.Event, error)
	RunsCreatedAfter(sinceMs int64, sessionKey *string, exclude []string) ([]string, error)
}

type rewinder interface {
	Rewind(runID string, targetSeq int64) (rewind.Result, error)
}

type gatewayCaller interface {
	RunAgent(ctx context.Context, message, sessionKey string) (gatewayclient.AgentResult, error)
	SendEcho(ctx context.Context, channel, to, message string) error
}

type configChecker interface {
	IsChannelConfigured(channel string) bool
}

// Engine drives Fork operations end to end.
type Engine struct {
	store   forkStore
	lineage *lineage.Engine
	rewind  rewinder
	gateway gatewayCaller
	cfg     configChecker
	nowMs   func() int64
}

// New constructs a fork Engine.
func New(s forkStore, lineageEngine *lineage.Engine, rw rewinder, gw gatewayCaller, cfg configChecker) *Engine {
	return &Engine{
		store:   s,
		lineage: lineageEngine,
		rewind:  rw,
		gateway: gw,
		cfg:     cfg,
		nowMs:   func() int64 { return time.Now().UnixMilli() },
	}
}

// RunReaper expires pending forks older than 5 minutes every 60 seconds
// until ctx is done.
func (e *Engine) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(reaperInterval * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := e.lineage.ExpirePendingForks(e.nowMs(), pendingMaxAgeMs); n > 0 {
				slog.Info("forkengine.pending_reaped", "count", n)
			}
		}
	}
}

// Fork replays originRunID from forkFromSeq with the given edits: it
// persists a placeholder run, optionally rewinds the filesystem, invokes
// the Gateway agent, delivers the reply, and links the resulting run.
func (e *Engine) Fork(ctx context.Context, originRunID string, forkFromSeq int64, modifiedPayload json.RawMessage) (Result, error) {
	history, err := e.store.EventsBefore(originRunID, forkFromSeq)
	if err != nil {
		return Result{}, fmt.Errorf("load history: %w", err)
	}

	sessionKey, err := e.store.LatestSessionKey(originRunID)
	if err != nil {
		return Result{}, fmt.Errorf("resolve session key: %w", err)
	}

	editedPayload, rewindCtrl, fields := extractControlFlags(modifiedPayload)
	replayMessage, hasReplay := chooseReplayMessage(fields, editedPayload, history)

	now := e.nowMs()
	newRunID := placeholderRunID(originRunID, now)

	if err := e.writePlaceholder(newRunID, originRunID, forkFromSeq, editedPayload, replayMessage, hasReplay, now); err != nil {
		return Result{}, fmt.Errorf("write placeholder: %w", err)
	}
	e.lineage.StampLineage(newRunID, true, originRunID, sessionKey)
	e.lineage.MarkHasForkInfo(newRunID)
	e.lineage.RegisterPendingFork(lineage.PendingFork{
		PlaceholderRunID: newRunID,
		OriginRunID:      originRunID,
		ForkFromSeq:      forkFromSeq,
		StartedAtMs:      now,
		SessionKey:       sessionKey,
		ModifiedPayload:  editedPayload,
	})

	// The rewind audit row goes at seq=2 when a synthetic message_received
	// occupies seq=1, else seq=1.
	nextSeq := int64(1)
	if hasReplay {
		nextSeq = 2
	}
	if rewindCtrl != nil {
		result, rewindErr := e.rewind.Rewind(rewindCtrl.RunID, rewindCtrl.TargetSeq)
		if rewindErr != nil || !result.Success {
			e.lineage.DropPendingFork(newRunID)
			msg := "rewind failed"
			if rewindErr != nil {
				msg = rewindErr.Error()
			} else if result.Message != "" {
				msg = result.Message
			}
			return Result{Success: false, NewRunID: newRunID, Error: msg}, nil
		}
		if err := e.appendRewindAudit(newRunID, nextSeq, rewindCtrl, result); err != nil {
			slog.Error("forkengine.rewind_audit_failed", "runId", newRunID, "error", err)
		}
		if fields.Type == events.TypeConfigChange && fields.FilePath != "" {
			e.writeConfigFile(fields)
		}
	}

	sessionChannel := sessions.Channel(sessionKey)
	hint, hasHint := deriveHint(fields, history, sessionChannel, e.cfg.IsChannelConfigured, func() ([]store.Event, error) {
		return e.store.RecentLifecycleEvents(sessionKey, recentLifecycleLimit)
	})

	ctx, span := tracer.Start(ctx, "fork.run", trace.WithAttributes(
		attribute.String("fork.origin_run_id", originRunID),
		attribute.String("fork.new_run_id", newRunID),
	))
	defer span.End()

	// Pre-echo is telegram-only: other channels surface the forked prompt
	// through the gateway reply alone.
	if hasHint && hint.Channel == telegramChannel && hasReplay {
		echo := "FORKED (YOU): " + runewidth.Truncate(replayMessage, echoMaxRunes, "")
		if err := e.gateway.SendEcho(ctx, hint.Channel, hint.To, echo); err != nil {
			slog.Warn("forkengine.echo_failed", "runId", newRunID, "error", err)
		}
	}

	message := replayMessage
	if !hasReplay {
		message = string(editedPayload)
	}
	agentResult, err := e.gateway.RunAgent(ctx, message, sessionKey)
	if err != nil {
		e.lineage.DropPendingFork(newRunID)
		return Result{Success: false, NewRunID: newRunID, Error: err.Error()}, nil
	}

	terminalText := concatPayloadText(agentResult.Payloads)
	if terminalText != "" && hasHint {
		if err := e.gateway.SendEcho(ctx, hint.Channel, hint.To, terminalText); err != nil {
			slog.Warn("forkengine.delivery_failed", "runId", newRunID, "error", err)
		}
	}

	linked := false
	if agentResult.RunID != "" {
		linked = e.lineage.TryLink(agentResult.RunID)
	}
	if !linked {
		// Fallback: the gateway may not report a runId; sweep for runs
		// that started after the fork did.
		var sessionKeyPtr *string
		if sessionKey != "" {
			sessionKeyPtr = &sessionKey
		}
		candidates, rcErr := e.store.RunsCreatedAfter(now-1000, sessionKeyPtr, []string{newRunID, originRunID})
		if rcErr != nil {
			slog.Warn("forkengine.linkage_sweep_failed", "runId", newRunID, "error", rcErr)
		}
		for _, candidate := range candidates {
			if e.lineage.TryLink(candidate) {
				linked = true
				break
			}
		}
	}

	gatewayResultJSON, _ := json.Marshal(agentResult)
	return Result{
		Success:       true,
		NewRunID:      newRunID,
		Linked:        linked,
		GatewayResult: string(gatewayResultJSON),
	}, nil
}

// extractControlFlags detaches __forkedRewindFirst from the raw modified
// payload so it never reaches the persisted fork_info.modifiedData, and
// decodes the remaining fields the rest of Fork inspects.
func extractControlFlags(modifiedPayload json.RawMessage) (editedPayload json.RawMessage, ctrl *events.RewindControl, fields events.ModifiedPayloadFields) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(modifiedPayload, &raw); err != nil || raw == nil {
		return modifiedPayload, nil, events.ModifiedPayloadFields{}
	}
	if rc, ok := raw["__forkedRewindFirst"]; ok {
		var c events.RewindControl
		if err := json.Unmarshal(rc, &c); err == nil {
			ctrl = &c
		}
		delete(raw, "__forkedRewindFirst")
	}
	edited, err := json.Marshal(raw)
	if err != nil {
		edited = modifiedPayload
	}
	_ = json.Unmarshal(edited, &fields)
	return edited, ctrl, fields
}

// chooseReplayMessage prefers the edited payload's own
// prompt/message/content, else the newest message_received.content or
// llm_input.prompt walking history in reverse. The caller falls back to
// the JSON-serialized edited payload when neither exists.
func chooseReplayMessage(fields events.ModifiedPayloadFields, editedPayload json.RawMessage, history []store.Event) (string, bool) {
	if m, ok := fields.ReplayMessage(); ok {
		return m, true
	}
	for i := len(history) - 1; i >= 0; i-- {
		p := events.ParsePayload(history[i].Data)
		switch p.Type {
		case events.TypeMessageReceived:
			if m, ok := p.AsMessage(); ok && m.Content != "" {
				return m.Content, true
			}
		case events.TypeLLMInput:
			if l, ok := p.AsLLMInput(); ok && l.Prompt != "" {
				return l.Prompt, true
			}
		}
	}
	return "", false
}

// placeholderRunID builds "fork_"+origin[0:8]+"_"+now_ms.
func placeholderRunID(origin string, nowMs int64) string {
	prefix := origin
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return fmt.Sprintf("fork_%s_%d", prefix, nowMs)
}

func (e *Engine) writePlaceholder(newRunID, originRunID string, forkFromSeq int64, editedPayload json.RawMessage, replayMessage string, hasReplay bool, nowMs int64) error {
	forkInfoData, err := json.Marshal(struct {
		Type          string          `json:"type"`
		OriginalRunID string          `json:"originalRunId"`
		ForkFromSeq   int64           `json:"forkFromSeq"`
		ModifiedData  json.RawMessage `json:"modifiedData"`
	}{events.TypeForkInfo, originRunID, forkFromSeq, editedPayload})
	if err != nil {
		return err
	}

	parent := originRunID
	if _, err := e.store.InsertEvent(store.Event{
		RunID: newRunID, Seq: 0, Stream: "fork_info", TS: nowMs, Data: forkInfoData,
		IsFork: true, ForkedFromRunID: &parent, CreatedAt: nowMs,
	}); err != nil {
		return err
	}

	if !hasReplay {
		return nil
	}
	msgData, err := json.Marshal(struct {
		Type      string `json:"type"`
		Source    string `json:"source"`
		Content   string `json:"content"`
		Timestamp int64  `json:"timestamp"`
		Synthetic bool   `json:"synthetic"`
	}{events.TypeMessageReceived, "forked", replayMessage, nowMs, true})
	if err != nil {
		return err
	}
	_, err = e.store.InsertEvent(store.Event{
		RunID: newRunID, Seq: 1, Stream: "lifecycle", TS: nowMs, Data: msgData,
		IsFork: true, ForkedFromRunID: &parent, CreatedAt: nowMs,
	})
	return err
}

func (e *Engine) appendRewindAudit(runID string, seq int64, ctrl *events.RewindControl, result rewind.Result) error {
	data, err := json.Marshal(struct {
		Type          string `json:"type"`
		RunID         string `json:"runId"`
		TargetSeq     int64  `json:"targetSeq"`
		BackupID      string `json:"backupId"`
		FilesAffected int    `json:"filesAffected"`
	}{events.TypeRewindExecuted, ctrl.RunID, ctrl.TargetSeq, result.BackupID, result.FilesAffected})
	if err != nil {
		return err
	}
	now := e.nowMs()
	_, err = e.store.InsertEvent(store.Event{
		RunID: runID, Seq: seq, Stream: "rewind", TS: now, Data: data, CreatedAt: now,
	})
	return err
}

// writeConfigFile applies a config_change edit: its currentRaw (or a
// JSON-serialized currentContent) is written to filePath after the rewind
// completes.
func (e *Engine) writeConfigFile(fields events.ModifiedPayloadFields) {
	content := fields.CurrentRaw
	if content == "" && fields.CurrentContent != nil {
		b, err := json.Marshal(fields.CurrentContent)
		if err != nil {
			slog.Error("forkengine.config_write_failed", "filePath", fields.FilePath, "error", err)
			return
		}
		content = string(b)
	}
	if dir := filepath.Dir(fields.FilePath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("forkengine.config_write_failed", "filePath", fields.FilePath, "error", err)
			return
		}
	}
	if err := os.WriteFile(fields.FilePath, []byte(content), 0644); err != nil {
		slog.Error("forkengine.config_write_failed", "filePath", fields.FilePath, "error", err)
	}
}

func concatPayloadText(payloads []gatewayclient.ResultPayload) string {
	out := ""
	for _, p := range payloads {
		out += p.Text
	}
	return out
}
