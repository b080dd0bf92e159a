package protocol

// RPC method names used on the outbound Gateway connection. Forked is a
// client of these, never a server of them — the Gateway itself owns the
// full method surface; these are the three the Gateway Client ever calls.
const (
	MethodConnect = "connect"
	MethodAgent   = "agent"
	MethodSend    = "send"
)
