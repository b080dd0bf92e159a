package forkengine

import (
	"encoding/json"
	"testing"

	"github.com/forked/forked/internal/events"
	"github.com/forked/forked/internal/store"
)

func TestParseAddressGroupWithTopic(t *testing.T) {
	hint, ok := parseAddress("telegram:group:-100:topic:42")
	if !ok {
		t.Fatal("expected address to parse")
	}
	if hint.Channel != "telegram" || hint.To != "-100" || hint.ThreadID != "42" {
		t.Errorf("hint = %+v, want telegram/-100/42", hint)
	}
}

func TestParseAddressDirect(t *testing.T) {
	hint, ok := parseAddress("discord:direct:u99")
	if !ok || hint.Channel != "discord" || hint.To != "u99" || hint.ThreadID != "" {
		t.Errorf("hint = %+v, want discord/u99 with no thread", hint)
	}
}

func TestParseAddressUnknownKindJoinsTail(t *testing.T) {
	hint, ok := parseAddress("slack:workspace:T1:C2")
	if !ok || hint.To != "T1:C2" {
		t.Errorf("hint = %+v, want tail joined as T1:C2", hint)
	}
}

func TestParseAddressTooShort(t *testing.T) {
	if _, ok := parseAddress("telegram:group"); ok {
		t.Error("two-segment address should not parse")
	}
}

func lifecycleEvent(t *testing.T, payload map[string]interface{}) store.Event {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	return store.Event{Stream: "lifecycle", Data: data}
}

func TestDeriveHintFromHistoryInbound(t *testing.T) {
	history := []store.Event{
		lifecycleEvent(t, map[string]interface{}{"type": "message_received", "from": "telegram:group:-100:topic:42", "content": "hi"}),
	}
	configured := func(ch string) bool { return ch == "telegram" }
	noWide := func() ([]store.Event, error) { return nil, nil }

	hint, ok := deriveHint(events.ModifiedPayloadFields{}, history, "telegram", configured, noWide)
	if !ok {
		t.Fatal("expected a hint")
	}
	if hint.Channel != "telegram" || hint.To != "-100" || hint.ThreadID != "42" {
		t.Errorf("hint = %+v, want telegram/-100/42", hint)
	}
}

func TestDeriveHintSkipsSyntheticMessages(t *testing.T) {
	history := []store.Event{
		lifecycleEvent(t, map[string]interface{}{"type": "message_received", "from": "telegram:direct:111", "content": "real"}),
		lifecycleEvent(t, map[string]interface{}{"type": "message_received", "from": "telegram:direct:999", "content": "replayed", "synthetic": true}),
	}
	configured := func(string) bool { return true }
	noWide := func() ([]store.Event, error) { return nil, nil }

	hint, ok := deriveHint(events.ModifiedPayloadFields{}, history, "telegram", configured, noWide)
	if !ok || hint.To != "111" {
		t.Errorf("hint = %+v, want the non-synthetic sender 111", hint)
	}
}

func TestDeriveHintSkipsMismatchedSessionChannel(t *testing.T) {
	history := []store.Event{
		lifecycleEvent(t, map[string]interface{}{"type": "message_received", "from": "discord:direct:u1", "content": "hi"}),
	}
	configured := func(string) bool { return true }
	noWide := func() ([]store.Event, error) { return nil, nil }

	if _, ok := deriveHint(events.ModifiedPayloadFields{}, history, "telegram", configured, noWide); ok {
		t.Error("a candidate on the wrong channel should not be adopted")
	}
}

func TestDeriveHintModifiedPayloadWinsOverHistory(t *testing.T) {
	history := []store.Event{
		lifecycleEvent(t, map[string]interface{}{"type": "message_received", "from": "telegram:direct:222", "content": "hi"}),
	}
	modified := events.ModifiedPayloadFields{Type: events.TypeMessageReceived, From: "telegram:direct:111"}
	configured := func(string) bool { return true }
	noWide := func() ([]store.Event, error) { return nil, nil }

	hint, ok := deriveHint(modified, history, "telegram", configured, noWide)
	if !ok || hint.To != "111" {
		t.Errorf("hint = %+v, want the modified payload's sender 111", hint)
	}
}

func TestDeriveHintFallsBackToSessionWideSearch(t *testing.T) {
	wide := func() ([]store.Event, error) {
		return []store.Event{
			lifecycleEvent(t, map[string]interface{}{"type": "message_sent", "to": "telegram:group:-5"}),
		}, nil
	}
	configured := func(string) bool { return true }

	hint, ok := deriveHint(events.ModifiedPayloadFields{}, nil, "telegram", configured, wide)
	if !ok || hint.To != "-5" {
		t.Errorf("hint = %+v, want the session-wide outbound target -5", hint)
	}
}

func TestDeriveHintRejectsUnconfiguredChannel(t *testing.T) {
	history := []store.Event{
		lifecycleEvent(t, map[string]interface{}{"type": "message_received", "from": "telegram:direct:111", "content": "hi"}),
	}
	configured := func(string) bool { return false }
	noWide := func() ([]store.Event, error) { return nil, nil }

	if _, ok := deriveHint(events.ModifiedPayloadFields{}, history, "telegram", configured, noWide); ok {
		t.Error("an unconfigured channel should not be adopted")
	}
}
