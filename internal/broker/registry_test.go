package broker

import (
	"testing"
	"time"

	"transcriptd/internal/types"
)

func TestRegistry_MatchFilters(t *testing.T) {
	r := NewRegistry()
	grant := Grant{AllowAll: true}

	r.Subscribe("all", types.Filter{}, grant)
	r.Subscribe("proj", types.Filter{ProjectIDs: []string{"p1"}}, grant)
	r.Subscribe("sess", types.Filter{SessionIDs: []string{"s9"}}, grant)
	r.Subscribe("typed", types.Filter{EventTypes: []types.EventType{types.EventConversationEnded}}, grant)
	r.Subscribe("both", types.Filter{
		ProjectIDs: []string{"p1"},
		EventTypes: []types.EventType{types.EventMessageAdded},
	}, grant)

	ev := types.BroadcastEvent{
		Type:      types.EventMessageAdded,
		ProjectID: "p1",
		SessionID: "s1",
		Timestamp: time.Now(),
	}

	matched := r.Match(ev)
	want := map[string]bool{"all": true, "proj": true, "both": true}
	if len(matched) != len(want) {
		t.Fatalf("matched = %v", matched)
	}
	for _, id := range matched {
		if !want[id] {
			t.Fatalf("unexpected match: %s", id)
		}
	}
}

func TestRegistry_EveryDimensionMustMatch(t *testing.T) {
	r := NewRegistry()
	r.Subscribe("c1", types.Filter{
		ProjectIDs: []string{"p1"},
		SessionIDs: []string{"s1"},
	}, Grant{AllowAll: true})

	// Project matches, session does not.
	ev := types.BroadcastEvent{Type: types.EventMessageAdded, ProjectID: "p1", SessionID: "s2"}
	if got := r.Match(ev); len(got) != 0 {
		t.Fatalf("partial dimension match delivered: %v", got)
	}
}

func TestRegistry_GrantRejectsForeignProject(t *testing.T) {
	r := NewRegistry()
	grant := Grant{Projects: []string{"p1"}}

	if err := r.Subscribe("c1", types.Filter{ProjectIDs: []string{"p1"}}, grant); err != nil {
		t.Fatalf("granted project rejected: %v", err)
	}
	if err := r.Subscribe("c1", types.Filter{ProjectIDs: []string{"p1", "p2"}}, grant); err == nil {
		t.Fatal("filter with ungranted project accepted")
	}
}

func TestRegistry_SubscribeReplacesAndUnsubscribes(t *testing.T) {
	r := NewRegistry()
	grant := Grant{AllowAll: true}

	r.Subscribe("c1", types.Filter{ProjectIDs: []string{"p1"}}, grant)
	r.Subscribe("c1", types.Filter{ProjectIDs: []string{"p2"}}, grant)
	if r.Count() != 1 {
		t.Fatalf("count = %d, want 1", r.Count())
	}

	ev := types.BroadcastEvent{Type: types.EventMessageAdded, ProjectID: "p1"}
	if got := r.Match(ev); len(got) != 0 {
		t.Fatalf("stale filter still matching: %v", got)
	}

	r.Unsubscribe("c1")
	if r.Count() != 0 {
		t.Fatalf("count = %d after unsubscribe", r.Count())
	}
}
