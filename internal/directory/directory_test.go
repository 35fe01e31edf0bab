package directory

import "testing"

func seedDirectory(t *testing.T) *Directory {
	t.Helper()
	d := New()
	agents := []Agent{
		{ID: "A1", Name: "alice", Address: "alice@org.aimaestro.local", SessionName: "agent-alice-1", Token: "tok-alice", Online: true},
		{ID: "B2", Name: "bob", Address: "bob@org.aimaestro.local", Aliases: []string{"robert", "bobby"}, SessionName: "agent-bob-2", Token: "tok-bob"},
	}
	for _, a := range agents {
		if err := d.Upsert(a); err != nil {
			t.Fatalf("upsert %s: %v", a.ID, err)
		}
	}
	return d
}

func TestUpsertAndGetClones(t *testing.T) {
	d := seedDirectory(t)

	agent, ok := d.Get("B2")
	if !ok {
		t.Fatal("expected to find B2")
	}
	agent.Aliases[0] = "mutated"

	again, _ := d.Get("B2")
	if again.Aliases[0] != "robert" {
		t.Fatalf("expected stored aliases untouched, got %v", again.Aliases)
	}

	if err := d.Upsert(Agent{}); err == nil {
		t.Fatal("expected error for empty agent id")
	}
}

func TestResolutionCascadeOrder(t *testing.T) {
	d := seedDirectory(t)

	// A name that collides with another agent's id must resolve by id first.
	if err := d.Upsert(Agent{ID: "bob", Name: "impostor"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	agent, ok := d.Resolve("bob")
	if !ok || agent.ID != "bob" {
		t.Fatalf("expected id match to win the cascade, got %+v ok=%v", agent, ok)
	}

	agent, ok = d.Resolve("alice")
	if !ok || agent.ID != "A1" {
		t.Fatalf("expected name match, got %+v ok=%v", agent, ok)
	}

	agent, ok = d.Resolve("Bobby")
	if !ok || agent.ID != "B2" {
		t.Fatalf("expected alias match, got %+v ok=%v", agent, ok)
	}

	if _, ok := d.Resolve("nobody"); ok {
		t.Fatal("expected unknown identifier to fail resolution")
	}
}

func TestSessionNameHeuristic(t *testing.T) {
	d := seedDirectory(t)

	agent, ok := BySessionName("agent-bob-2", d)
	if !ok || agent.ID != "B2" {
		t.Fatalf("expected exact session-name match, got %+v ok=%v", agent, ok)
	}

	// Normalized suffix match: "bob2" against session "agent-bob-2".
	agent, ok = BySessionName("bob-2", d)
	if !ok || agent.ID != "B2" {
		t.Fatalf("expected normalized suffix match, got %+v ok=%v", agent, ok)
	}

	if _, ok := BySessionName("", d); ok {
		t.Fatal("empty identifier must not match")
	}
}

func TestFindByToken(t *testing.T) {
	d := seedDirectory(t)

	agent, ok := d.FindByToken("tok-alice")
	if !ok || agent.ID != "A1" {
		t.Fatalf("expected token to resolve alice, got %+v ok=%v", agent, ok)
	}
	if _, ok := d.FindByToken("wrong"); ok {
		t.Fatal("unknown token must not resolve")
	}
	if _, ok := d.FindByToken(""); ok {
		t.Fatal("empty token must not resolve")
	}
}

func TestSetOnline(t *testing.T) {
	d := seedDirectory(t)

	if !d.SetOnline("B2", true) {
		t.Fatal("expected online flip for known agent")
	}
	agent, _ := d.Get("B2")
	if !agent.Online {
		t.Fatal("expected B2 to be online")
	}
	if d.SetOnline("nope", true) {
		t.Fatal("expected false for unknown agent")
	}
}
