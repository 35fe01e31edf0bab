package relay

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/23blocks-OS/ai-maestro-amp/internal/envelope"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := NewQueue(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "relay.json"), 0, 0)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q
}

func testEnvelope(subject string) (envelope.Envelope, envelope.Payload) {
	env := envelope.New("alice@acme.crabmail.ai", "bob@org.aimaestro.local", subject, envelope.PriorityNormal, "")
	return env, envelope.Payload{Type: envelope.TypeRequest, Message: "body of " + subject}
}

func TestEnqueuePendingAcknowledge(t *testing.T) {
	q := newTestQueue(t)

	env, payload := testEnvelope("first")
	if err := q.Enqueue("A1", env, payload, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	pending := q.Pending("A1", 0)
	if len(pending) != 1 || pending[0].Envelope.ID != env.ID {
		t.Fatalf("expected the queued entry back, got %+v", pending)
	}
	if pending[0].RecipientKey != "A1" {
		t.Fatalf("unexpected recipient key %q", pending[0].RecipientKey)
	}

	if !q.Acknowledge("A1", env.ID) {
		t.Fatal("expected acknowledgment of existing message")
	}
	if q.Acknowledge("A1", env.ID) {
		t.Fatal("acknowledging a missing message must return false")
	}
	if got := q.Pending("A1", 0); len(got) != 0 {
		t.Fatalf("expected empty queue after ack, got %d entries", len(got))
	}
}

func TestEnqueueIsIdempotentPerEnvelope(t *testing.T) {
	q := newTestQueue(t)

	env, payload := testEnvelope("dup")
	for i := 0; i < 3; i++ {
		if err := q.Enqueue("A1", env, payload, nil); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if got := q.Pending("A1", 0); len(got) != 1 {
		t.Fatalf("expected a single entry despite re-enqueue, got %d", len(got))
	}
}

func TestPendingOrderAndLimit(t *testing.T) {
	q := newTestQueue(t)

	base := time.Now()
	step := 0
	q.nowFn = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	}

	var ids []string
	for i := 0; i < 15; i++ {
		env, payload := testEnvelope(fmt.Sprintf("msg-%02d", i))
		if err := q.Enqueue("A1", env, payload, nil); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		ids = append(ids, env.ID)
	}

	pending := q.Pending("A1", 0)
	if len(pending) != DefaultPendingLimit {
		t.Fatalf("expected default limit of %d, got %d", DefaultPendingLimit, len(pending))
	}
	for i, entry := range pending {
		if entry.Envelope.ID != ids[i] {
			t.Fatalf("expected oldest-first order at %d: want %s got %s", i, ids[i], entry.Envelope.ID)
		}
	}

	if got := q.Pending("A1", 1000); len(got) != 15 {
		t.Fatalf("expected clamped fetch to return all 15, got %d", len(got))
	}
}

func TestAcknowledgeBatch(t *testing.T) {
	q := newTestQueue(t)

	var ids []string
	for i := 0; i < 5; i++ {
		env, payload := testEnvelope(fmt.Sprintf("batch-%d", i))
		if err := q.Enqueue("A1", env, payload, nil); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		ids = append(ids, env.ID)
	}

	acked := q.AcknowledgeBatch("A1", append(ids[:3], "missing-id"))
	if acked != 3 {
		t.Fatalf("expected 3 acknowledgments, got %d", acked)
	}
	if got := q.Pending("A1", 0); len(got) != 2 {
		t.Fatalf("expected 2 remaining, got %d", len(got))
	}
	if q.AcknowledgeBatch("A1", []string{"nope"}) != 0 {
		t.Fatal("acknowledging only missing ids must count zero")
	}
}

func TestExpirySweepDropsOldEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.json")
	q, err := NewQueue(zaptest.NewLogger(t), path, time.Hour, 10*time.Minute)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	base := time.Now()
	now := base
	q.nowFn = func() time.Time { return now }

	env, payload := testEnvelope("short-lived")
	if err := q.Enqueue("A1", env, payload, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Before expiry the entry is visible.
	now = base.Add(30 * time.Minute)
	if got := q.Pending("A1", 0); len(got) != 1 {
		t.Fatalf("expected entry before expiry, got %d", len(got))
	}

	// Past the TTL it is filtered and then swept away.
	now = base.Add(2 * time.Hour)
	if got := q.Pending("A1", 0); len(got) != 0 {
		t.Fatalf("expected no entries past expiry, got %d", len(got))
	}
	if q.Depth() != 0 {
		t.Fatalf("expected sweep to drop expired entries, depth %d", q.Depth())
	}
}

func TestQueueSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.json")
	q, err := NewQueue(zaptest.NewLogger(t), path, 0, 0)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	env, payload := testEnvelope("durable")
	if err := q.Enqueue("bob", env, payload, []byte{1, 2, 3}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	reopened, err := NewQueue(zaptest.NewLogger(t), path, 0, 0)
	if err != nil {
		t.Fatalf("reopen queue: %v", err)
	}
	pending := reopened.Pending("bob", 0)
	if len(pending) != 1 || pending[0].Envelope.ID != env.ID {
		t.Fatalf("expected entry to survive restart, got %+v", pending)
	}
	if len(pending[0].SenderPublicKey) != 3 {
		t.Fatalf("expected sender key to survive restart, got %v", pending[0].SenderPublicKey)
	}
}
