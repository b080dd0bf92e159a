// Package sessions parses the canonical session key format emitted by the
// Gateway's tracer:
//
//	agent:{agentId}:{channel}:{direct|group}:{peerId}[:topic:{topicId}]
//
// Forked never builds session keys; it only ever receives them from the
// tracer stream, so this package is parsing only. The Gateway Client (to
// extract agentId) and the Fork Engine (to extract the expected delivery
// channel) both depend on it.
package sessions

import "strings"

// ParseSessionKey extracts the agentID and rest from a canonical session
// key. Returns ("", "") if the key isn't in the expected "agent:..." format.
func ParseSessionKey(key string) (agentID, rest string) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return "", ""
	}
	return parts[1], parts[2]
}

// AgentID returns the agent segment of a session key — the second
// colon-separated segment when the key begins with "agent:" — or "main"
// otherwise.
func AgentID(key string) string {
	agentID, _ := ParseSessionKey(key)
	if agentID == "" {
		return "main"
	}
	return agentID
}

// Channel returns the channel segment of a session key — the third
// colon-separated segment when the key begins with "agent:". Returns "" if
// the key isn't in that format or has too few segments.
func Channel(key string) string {
	_, rest := ParseSessionKey(key)
	if rest == "" {
		return ""
	}
	parts := strings.SplitN(rest, ":", 2)
	return parts[0]
}
