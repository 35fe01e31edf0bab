// Package relay stores messages awaiting pickup by recipients that are
// offline or not yet registered, durably across restarts.
package relay

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/23blocks-OS/ai-maestro-amp/internal/envelope"
	"github.com/23blocks-OS/ai-maestro-amp/internal/store"
)

const (
	// DefaultTTL is how long a queued message waits before expiry.
	DefaultTTL = 72 * time.Hour
	// DefaultSweepInterval is the minimum gap between lazy expiry passes.
	DefaultSweepInterval = time.Hour
	// DefaultPendingLimit applies when a caller asks for pending messages
	// without a limit.
	DefaultPendingLimit = 10
	// MaxPendingLimit caps a single pending fetch.
	MaxPendingLimit = 100
	// MaxBatchAck caps the ids in one batch acknowledgment.
	MaxBatchAck = 100
)

var ErrEmptyRecipient = errors.New("recipient key is required")

// Entry is one queued message. Keyed by recipient identifier — the agent's
// stable id, or its bare name when the message arrived before the agent had
// one.
type Entry struct {
	Envelope        envelope.Envelope `json:"envelope"`
	Payload         envelope.Payload  `json:"payload"`
	SenderPublicKey []byte            `json:"sender_public_key,omitempty"`
	RecipientKey    string            `json:"recipient_key"`
	QueuedAt        time.Time         `json:"queued_at"`
	ExpiresAt       time.Time         `json:"expires_at"`
	Attempts        int               `json:"attempts"`
}

// Queue is the durable relay store. One write lock serializes mutations;
// expiry runs lazily on access, never on a background timer.
type Queue struct {
	log           *zap.Logger
	path          string
	ttl           time.Duration
	sweepInterval time.Duration
	nowFn         func() time.Time

	mu        sync.Mutex
	entries   map[string][]Entry
	lastSweep time.Time
}

// NewQueue opens (or creates) the relay queue at path.
func NewQueue(log *zap.Logger, path string, ttl, sweepInterval time.Duration) (*Queue, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}

	q := &Queue{
		log:           log,
		path:          path,
		ttl:           ttl,
		sweepInterval: sweepInterval,
		nowFn:         time.Now,
		entries:       make(map[string][]Entry),
	}
	if _, err := store.Load(path, &q.entries); err != nil {
		return nil, err
	}
	q.lastSweep = q.nowFn()
	return q, nil
}

// Enqueue appends a message for the recipient. Re-enqueueing the same
// envelope id for the same recipient is a no-op.
func (q *Queue) Enqueue(recipientKey string, env envelope.Envelope, payload envelope.Payload, senderPublicKey []byte) error {
	if recipientKey == "" {
		return ErrEmptyRecipient
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.sweepLocked()
	for _, existing := range q.entries[recipientKey] {
		if existing.Envelope.ID == env.ID {
			return nil
		}
	}

	now := q.nowFn()
	q.entries[recipientKey] = append(q.entries[recipientKey], Entry{
		Envelope:        env,
		Payload:         payload,
		SenderPublicKey: append([]byte(nil), senderPublicKey...),
		RecipientKey:    recipientKey,
		QueuedAt:        now,
		ExpiresAt:       now.Add(q.ttl),
	})
	return q.persistLocked()
}

// Pending returns up to limit oldest-first non-expired entries for the
// recipient. A non-positive limit selects the default; anything above the
// cap is clamped.
func (q *Queue) Pending(recipientKey string, limit int) []Entry {
	if limit <= 0 {
		limit = DefaultPendingLimit
	}
	if limit > MaxPendingLimit {
		limit = MaxPendingLimit
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.sweepLocked()
	now := q.nowFn()

	var out []Entry
	for _, entry := range q.entries[recipientKey] {
		if !entry.ExpiresAt.After(now) {
			continue
		}
		out = append(out, cloneEntry(entry))
		if len(out) == limit {
			break
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].QueuedAt.Before(out[j].QueuedAt) })
	return out
}

// Acknowledge removes exactly one entry and reports whether it existed.
func (q *Queue) Acknowledge(recipientKey, messageID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.removeLocked(recipientKey, messageID) {
		return false
	}
	if err := q.persistLocked(); err != nil {
		q.log.Warn("relay acknowledgment not persisted", zap.Error(err))
	}
	return true
}

// AcknowledgeBatch removes up to MaxBatchAck entries and returns how many
// were actually present.
func (q *Queue) AcknowledgeBatch(recipientKey string, messageIDs []string) int {
	if len(messageIDs) > MaxBatchAck {
		messageIDs = messageIDs[:MaxBatchAck]
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for _, id := range messageIDs {
		if q.removeLocked(recipientKey, id) {
			removed++
		}
	}
	if removed > 0 {
		if err := q.persistLocked(); err != nil {
			q.log.Warn("relay batch acknowledgment not persisted", zap.Error(err))
		}
	}
	return removed
}

// Depth reports the total number of queued entries across recipients.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	total := 0
	for _, entries := range q.entries {
		total += len(entries)
	}
	return total
}

func (q *Queue) removeLocked(recipientKey, messageID string) bool {
	entries := q.entries[recipientKey]
	for i, entry := range entries {
		if entry.Envelope.ID == messageID {
			q.entries[recipientKey] = append(entries[:i], entries[i+1:]...)
			if len(q.entries[recipientKey]) == 0 {
				delete(q.entries, recipientKey)
			}
			return true
		}
	}
	return false
}

func (q *Queue) sweepLocked() {
	now := q.nowFn()
	if now.Sub(q.lastSweep) < q.sweepInterval {
		return
	}
	q.lastSweep = now

	removed := 0
	for key, entries := range q.entries {
		kept := entries[:0]
		for _, entry := range entries {
			if entry.ExpiresAt.After(now) {
				kept = append(kept, entry)
			} else {
				removed++
			}
		}
		if len(kept) == 0 {
			delete(q.entries, key)
		} else {
			q.entries[key] = kept
		}
	}
	if removed == 0 {
		return
	}
	if err := q.persistLocked(); err != nil {
		q.log.Warn("relay expiry sweep not persisted", zap.Error(err))
	}
	q.log.Info("expired relayed messages", zap.Int("removed", removed))
}

func (q *Queue) persistLocked() error {
	return store.Save(q.path, q.entries)
}

func cloneEntry(in Entry) Entry {
	cp := in
	cp.SenderPublicKey = append([]byte(nil), in.SenderPublicKey...)
	return cp
}
