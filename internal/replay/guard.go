// Package replay keeps a durable, TTL-bounded record of message ids already
// accepted from federation, so transport retries cannot double-deliver.
package replay

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/23blocks-OS/ai-maestro-amp/internal/store"
)

const (
	// DefaultWindow is how long an accepted id blocks re-delivery.
	DefaultWindow = 24 * time.Hour
	// DefaultSweepInterval is the minimum gap between lazy cleanup passes.
	DefaultSweepInterval = time.Hour
)

// Guard is a durable seen-set with amortized, request-triggered cleanup.
// Sweeps happen at most once per sweepInterval, piggybacking on Seen/Record
// calls instead of a background timer; the sweep lag this allows is far
// smaller than the window it enforces.
type Guard struct {
	log           *zap.Logger
	path          string
	window        time.Duration
	sweepInterval time.Duration
	nowFn         func() time.Time

	mu        sync.Mutex
	seen      map[string]time.Time
	lastSweep time.Time
}

// NewGuard opens (or creates) the guard at path. Zero durations select the
// defaults.
func NewGuard(log *zap.Logger, path string, window, sweepInterval time.Duration) (*Guard, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}

	g := &Guard{
		log:           log,
		path:          path,
		window:        window,
		sweepInterval: sweepInterval,
		nowFn:         time.Now,
		seen:          make(map[string]time.Time),
	}
	if _, err := store.Load(path, &g.seen); err != nil {
		return nil, err
	}
	g.lastSweep = g.nowFn()
	return g, nil
}

// Seen reports whether the message id was accepted within the window.
func (g *Guard) Seen(id string) bool {
	if id == "" {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.sweepLocked()
	firstSeen, ok := g.seen[id]
	if !ok {
		return false
	}
	return g.nowFn().Sub(firstSeen) <= g.window
}

// Record marks the message id as accepted. It is idempotent, and it FAILS
// OPEN: a storage write failure is logged and swallowed so the message still
// goes through. Losing replay protection for one id is judged less harmful
// than losing delivery entirely; this permissiveness is deliberate.
func (g *Guard) Record(id string) {
	if id == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.sweepLocked()
	if _, ok := g.seen[id]; ok {
		return
	}
	g.seen[id] = g.nowFn()
	if err := store.Save(g.path, g.seen); err != nil {
		g.log.Warn("replay record not persisted; allowing message through",
			zap.String("message_id", id), zap.Error(err))
	}
}

// Len reports the number of tracked ids (primarily for tests and metrics).
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}

func (g *Guard) sweepLocked() {
	now := g.nowFn()
	if now.Sub(g.lastSweep) < g.sweepInterval {
		return
	}
	g.lastSweep = now

	removed := 0
	cutoff := now.Add(-g.window)
	for id, firstSeen := range g.seen {
		if firstSeen.Before(cutoff) {
			delete(g.seen, id)
			removed++
		}
	}
	if removed == 0 {
		return
	}
	if err := store.Save(g.path, g.seen); err != nil {
		g.log.Warn("replay sweep not persisted", zap.Error(err))
	}
	g.log.Debug("swept replay records", zap.Int("removed", removed))
}
