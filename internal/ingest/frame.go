package ingest

import "encoding/json"

// Frame is the wire shape of one tracer push message:
// {runId, sessionKey?, seq, stream, ts, data}.
type Frame struct {
	RunID      string          `json:"runId"`
	SessionKey *string         `json:"sessionKey"`
	Seq        int64           `json:"seq"`
	Stream     string          `json:"stream"`
	TS         int64           `json:"ts"`
	Data       json.RawMessage `json:"data"`
}
