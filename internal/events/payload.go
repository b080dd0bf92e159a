// Package events models the tagged-union "data" payload carried by every
// tracer frame. Each payload keeps
// its original bytes alongside a decoded Type discriminator, so the Store
// round-trips whatever the tracer sent even for variants Forked doesn't
// inspect, while still giving typed access to the handful of shapes the
// Ingestor, Rewind Engine, and Fork Engine care about.
package events

import "encoding/json"

// Known "type" discriminator values. Unknown types pass through untouched.
const (
	TypeSessionStart     = "session_start"
	TypeLLMInput         = "llm_input"
	TypeLLMOutput        = "llm_output"
	TypeToolCallStart    = "tool_call_start"
	TypeToolCallEnd      = "tool_call_end"
	TypeConfigChange     = "config_change"
	TypeSetupFileChange  = "setup_file_change"
	TypeForkInfo         = "fork_info"
	TypeRewindExecuted   = "rewind_executed"
	TypeMessageReceived  = "message_received"
	TypeMessageSent      = "message_sent"
)

// Payload wraps the raw JSON "data" field of a tracer frame, decoding just
// enough to dispatch on Type while preserving the original bytes for
// storage and API round-trip.
type Payload struct {
	Type string
	Raw  json.RawMessage
}

type typeProbe struct {
	Type string `json:"type"`
}

// ParsePayload decodes the "type" discriminator out of a raw data payload.
// A malformed or absent type is not an error — it becomes the empty string,
// and the raw bytes are preserved regardless (ingest never drops a frame
// just because its payload shape is unrecognized).
func ParsePayload(raw json.RawMessage) Payload {
	var p typeProbe
	_ = json.Unmarshal(raw, &p)
	return Payload{Type: p.Type, Raw: raw}
}

// FileSnapshotRef is the common shape of the fileSnapshot sub-object carried
// by tool_call_start/end and config_change/setup_file_change payloads.
type FileSnapshotRef struct {
	FilePath       string  `json:"filePath"`
	ContentBefore  *string `json:"contentBefore,omitempty"`
	ContentAfter   *string `json:"contentAfter,omitempty"`
	ExistedBefore  *bool   `json:"existedBefore,omitempty"`
	ExistsAfter    *bool   `json:"existsAfter,omitempty"`
}

type toolCallEnvelope struct {
	Type         string           `json:"type"`
	ToolName     string           `json:"toolName"`
	FileSnapshot *FileSnapshotRef `json:"fileSnapshot"`
	FilePath     string           `json:"filePath"`
}

// AsToolCallStartEnd decodes a tool_call_start/tool_call_end payload. ok is
// false if the payload isn't a recognized tool-call shape or carries no
// fileSnapshot+filePath pair; both must be present before a snapshot row
// is written.
func (p Payload) AsToolCallStartEnd() (toolName string, snap FileSnapshotRef, ok bool) {
	var e toolCallEnvelope
	if err := json.Unmarshal(p.Raw, &e); err != nil {
		return "", FileSnapshotRef{}, false
	}
	if e.FileSnapshot == nil || e.FileSnapshot.FilePath == "" {
		return "", FileSnapshotRef{}, false
	}
	return e.ToolName, *e.FileSnapshot, true
}

type configChangeEnvelope struct {
	Type         string           `json:"type"`
	FilePath     string           `json:"filePath"`
	FileSnapshot *FileSnapshotRef `json:"fileSnapshot"`
	CurrentRaw   string           `json:"currentRaw"`
	CurrentContent interface{}    `json:"currentContent"`
}

// AsConfigChange decodes a config_change/setup_file_change payload.
func (p Payload) AsConfigChange() (snap FileSnapshotRef, ok bool) {
	var e configChangeEnvelope
	if err := json.Unmarshal(p.Raw, &e); err != nil {
		return FileSnapshotRef{}, false
	}
	if e.FileSnapshot == nil || e.FileSnapshot.FilePath == "" {
		return FileSnapshotRef{}, false
	}
	return *e.FileSnapshot, true
}

// ForkInfo is the payload of a placeholder run's seq=0 fork_info event.
type ForkInfo struct {
	Type           string          `json:"type"`
	OriginalRunID  string          `json:"originalRunId"`
	ForkFromSeq    int64           `json:"forkFromSeq"`
	ModifiedData   json.RawMessage `json:"modifiedData"`
}

func (p Payload) AsForkInfo() (ForkInfo, bool) {
	if p.Type != TypeForkInfo {
		return ForkInfo{}, false
	}
	var f ForkInfo
	if err := json.Unmarshal(p.Raw, &f); err != nil {
		return ForkInfo{}, false
	}
	return f, true
}

// MessageEnvelope covers both message_received (From) and message_sent (To)
// lifecycle events consulted during delivery-hint derivation.
type MessageEnvelope struct {
	Type      string `json:"type"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Content   string `json:"content,omitempty"`
	Synthetic bool   `json:"synthetic,omitempty"`
}

func (p Payload) AsMessage() (MessageEnvelope, bool) {
	if p.Type != TypeMessageReceived && p.Type != TypeMessageSent {
		return MessageEnvelope{}, false
	}
	var m MessageEnvelope
	if err := json.Unmarshal(p.Raw, &m); err != nil {
		return MessageEnvelope{}, false
	}
	return m, true
}

// LLMInput is the payload of an llm_input assistant-stream event.
type LLMInput struct {
	Type   string `json:"type"`
	Prompt string `json:"prompt"`
}

func (p Payload) AsLLMInput() (LLMInput, bool) {
	if p.Type != TypeLLMInput {
		return LLMInput{}, false
	}
	var l LLMInput
	if err := json.Unmarshal(p.Raw, &l); err != nil {
		return LLMInput{}, false
	}
	return l, true
}

// RewindExecuted is the audit payload appended to the Store after a rewind.
type RewindExecuted struct {
	Type         string              `json:"type"`
	RunID        string              `json:"runId"`
	TargetSeq    int64               `json:"targetSeq"`
	BackupID     string              `json:"backupId"`
	FilesAffected int                `json:"filesAffected"`
}

// ModifiedPayloadFields is the shape of a fork's edited payload as far as
// the Fork Engine needs to inspect it: possible replay-message fields, the
// message_received/sent routing fields, and the smuggled rewind control
// flag.
type ModifiedPayloadFields struct {
	Type                string          `json:"type,omitempty"`
	Prompt              string          `json:"prompt,omitempty"`
	Message             string          `json:"message,omitempty"`
	Content             string          `json:"content,omitempty"`
	From                string          `json:"from,omitempty"`
	To                  string          `json:"to,omitempty"`
	FilePath            string          `json:"filePath,omitempty"`
	CurrentRaw          string          `json:"currentRaw,omitempty"`
	CurrentContent      interface{}     `json:"currentContent,omitempty"`
	ForkedRewindFirst    *RewindControl `json:"__forkedRewindFirst,omitempty"`
}

// RewindControl is the smuggled control flag extracted and stripped before
// the remainder is persisted as fork_info.modifiedData.
type RewindControl struct {
	RunID     string `json:"runId"`
	TargetSeq int64  `json:"targetSeq"`
}

// ReplayMessage returns the first non-empty candidate among
// prompt/message/content.
func (m ModifiedPayloadFields) ReplayMessage() (string, bool) {
	for _, c := range []string{m.Prompt, m.Message, m.Content} {
		if c != "" {
			return c, true
		}
	}
	return "", false
}
