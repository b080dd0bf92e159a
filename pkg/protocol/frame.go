// Package protocol defines the wire frames exchanged with the Gateway's
// WebSocket RPC endpoint. The tracer's push-channel frame is defined in
// internal/ingest.
package protocol

import "encoding/json"

// ProtocolVersion is the RPC protocol version Forked speaks when connecting
// to a Gateway.
const ProtocolVersion = 3

// Frame type discriminators. Every frame on the wire carries one of these
// in its "type" field.
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// RequestFrame is sent from Forked to the Gateway.
type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseError describes a failed RPC call.
type ResponseError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ResponseFrame is the Gateway's reply to a RequestFrame, matched by ID.
type ResponseFrame struct {
	Type    string         `json:"type"`
	ID      string         `json:"id"`
	OK      bool           `json:"ok"`
	Error   *ResponseError `json:"error,omitempty"`
	Payload interface{}    `json:"payload,omitempty"`
}

// EventFrame is an unsolicited push from the Gateway (progress, cron
// activity, etc.) — Forked ignores all of these. Intermediate "accepted"
// acknowledgements arrive as ResponseFrames instead (see IsAccepted).
type EventFrame struct {
	Type    string      `json:"type"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

type frameTypeProbe struct {
	Type string `json:"type"`
}

// ParseFrameType sniffs the "type" discriminator out of a raw frame without
// fully decoding it, so the caller can dispatch to the right struct.
func ParseFrameType(raw []byte) (string, error) {
	var p frameTypeProbe
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", err
	}
	return p.Type, nil
}

// IsAccepted reports whether a response payload is the Gateway's
// intermediate "accepted" acknowledgement rather than its terminal reply.
func IsAccepted(payload interface{}) bool {
	m, ok := payload.(map[string]interface{})
	if !ok {
		return false
	}
	status, _ := m["status"].(string)
	return status == "accepted"
}
