package forkengine

import (
	"strings"

	"github.com/forked/forked/internal/events"
	"github.com/forked/forked/internal/store"
)

// parseAddress parses an address string of the form
// "<channel>:<kind>:<value>[:topic:<topicId>]". group and direct kinds
// resolve to=value, with group
// additionally picking up a trailing topic id. Any other kind joins
// whatever follows the kind segment verbatim as "to".
func parseAddress(addr string) (DeliveryHint, bool) {
	parts := strings.Split(addr, ":")
	if len(parts) < 3 {
		return DeliveryHint{}, false
	}
	channel, kind, tail := parts[0], parts[1], parts[2:]

	switch kind {
	case "group":
		hint := DeliveryHint{Channel: channel, To: tail[0]}
		if len(tail) >= 3 && tail[1] == "topic" {
			hint.ThreadID = tail[2]
		}
		return hint, true
	case "direct":
		return DeliveryHint{Channel: channel, To: tail[0]}, true
	default:
		return DeliveryHint{Channel: channel, To: strings.Join(tail, ":")}, true
	}
}

// searchInboundThenOutbound scans evts (assumed chronological) in reverse
// for the newest non-synthetic message_received.from, falling back to the
// newest message_sent.to, each filtered to addresses whose parsed channel
// matches sessionChannel.
func searchInboundThenOutbound(evts []store.Event, sessionChannel string) (DeliveryHint, bool) {
	if hint, ok := searchMessages(evts, sessionChannel, events.TypeMessageReceived); ok {
		return hint, true
	}
	return searchMessages(evts, sessionChannel, events.TypeMessageSent)
}

func searchMessages(evts []store.Event, sessionChannel, msgType string) (DeliveryHint, bool) {
	for i := len(evts) - 1; i >= 0; i-- {
		p := events.ParsePayload(evts[i].Data)
		if p.Type != msgType {
			continue
		}
		m, ok := p.AsMessage()
		if !ok || m.Synthetic {
			continue
		}
		addr := m.From
		if msgType == events.TypeMessageSent {
			addr = m.To
		}
		if addr == "" {
			continue
		}
		hint, ok := parseAddress(addr)
		if !ok || (sessionChannel != "" && hint.Channel != sessionChannel) {
			continue
		}
		return hint, true
	}
	return DeliveryHint{}, false
}

// deriveHint walks the delivery-hint candidate chain:
// the modified payload's own from/to, then an inbound/outbound search over
// the fork's history slice, then the same search over the session's last
// 200 lifecycle events. The winning candidate is adopted only if its
// channel is configured (or the configured set is empty — tolerant
// fallback).
func deriveHint(
	modified events.ModifiedPayloadFields,
	history []store.Event,
	sessionChannel string,
	channelConfigured func(string) bool,
	sessionWide func() ([]store.Event, error),
) (DeliveryHint, bool) {
	if modified.Type == events.TypeMessageReceived && modified.From != "" {
		if hint, ok := parseAddress(modified.From); ok {
			if channelConfigured(hint.Channel) {
				return hint, true
			}
		}
	}
	if modified.Type == events.TypeMessageSent && modified.To != "" {
		if hint, ok := parseAddress(modified.To); ok {
			if channelConfigured(hint.Channel) {
				return hint, true
			}
		}
	}

	if hint, ok := searchInboundThenOutbound(history, sessionChannel); ok && channelConfigured(hint.Channel) {
		return hint, true
	}

	wide, err := sessionWide()
	if err == nil {
		if hint, ok := searchInboundThenOutbound(wide, sessionChannel); ok && channelConfigured(hint.Channel) {
			return hint, true
		}
	}

	return DeliveryHint{}, false
}
