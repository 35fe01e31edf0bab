// Package peers maintains the directory of federated hosts this node knows
// about and handles the peer-exchange registration protocol.
package peers

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/23blocks-OS/ai-maestro-amp/internal/replay"
	"github.com/23blocks-OS/ai-maestro-amp/internal/store"
)

// DefaultMaxDepth bounds how many hops a peer-registration broadcast may
// travel before hosts stop relaying it.
const DefaultMaxDepth = 3

var (
	ErrMissingID          = errors.New("peer host id is required")
	ErrMissingURL         = errors.New("peer host url is required")
	ErrSelfRegistration   = errors.New("refusing to register this host as its own peer")
	ErrDepthExceeded      = errors.New("propagation depth ceiling exceeded")
	ErrDuplicateBroadcast = errors.New("propagation id already processed")
)

// Host describes one federated peer.
type Host struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	URL         string    `json:"url"`
	Description string    `json:"description,omitempty"`
	Aliases     []string  `json:"aliases,omitempty"`
	Enabled     bool      `json:"enabled"`
	SyncedAt    time.Time `json:"synced_at"`
	SyncSource  string    `json:"sync_source,omitempty"`
}

// Propagation carries the loop-prevention metadata of a peer-exchange
// broadcast. A zero value means a direct, non-propagated registration.
type Propagation struct {
	Initiator string
	ID        string
	Depth     int
}

// RegisterResult reports the outcome of one registration.
type RegisterResult struct {
	Registered   bool
	AlreadyKnown bool
	Self         Host
	KnownPeers   []Host
}

// Options wires a Directory.
type Options struct {
	Log      *zap.Logger
	Path     string
	Self     Host
	MaxDepth int
	// Guard dedups propagation ids. Optional; without it only the depth
	// ceiling prevents broadcast loops.
	Guard *replay.Guard
}

// Directory is the durable peer store. Reads are concurrent, writes hold an
// exclusive lock and persist before returning.
type Directory struct {
	log      *zap.Logger
	path     string
	self     Host
	maxDepth int
	guard    *replay.Guard

	nowFn func() time.Time

	mu    sync.RWMutex
	hosts map[string]Host
}

// NewDirectory loads any previously persisted peers from disk.
func NewDirectory(opts Options) (*Directory, error) {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}

	d := &Directory{
		log:      opts.Log,
		path:     opts.Path,
		self:     opts.Self,
		maxDepth: opts.MaxDepth,
		guard:    opts.Guard,
		nowFn:    time.Now,
		hosts:    make(map[string]Host),
	}

	var persisted []Host
	found, err := store.Load(d.path, &persisted)
	if err != nil {
		return nil, err
	}
	if found {
		for _, h := range persisted {
			d.hosts[h.ID] = h
		}
		d.log.Info("peer directory loaded", zap.Int("peers", len(d.hosts)))
	}
	return d, nil
}

// Self returns this host's own identity descriptor.
func (d *Directory) Self() Host {
	return cloneHost(d.self)
}

// MaxDepth returns the propagation ceiling in effect.
func (d *Directory) MaxDepth() int {
	return d.maxDepth
}

// Register records a peer host. Re-announcements of an already-known peer
// (matched by id, URL, or alias) refresh its record instead of adding a
// second entry. The returned peer list excludes the candidate itself so the
// caller can forward it verbatim for transitive discovery.
func (d *Directory) Register(host Host, prop Propagation) (RegisterResult, error) {
	switch {
	case strings.TrimSpace(host.ID) == "":
		return RegisterResult{}, ErrMissingID
	case strings.TrimSpace(host.URL) == "":
		return RegisterResult{}, ErrMissingURL
	}

	if d.isSelf(host) {
		return RegisterResult{}, ErrSelfRegistration
	}
	if prop.Depth > d.maxDepth {
		return RegisterResult{}, ErrDepthExceeded
	}
	if prop.ID != "" && d.guard != nil {
		if d.guard.Seen(prop.ID) {
			return RegisterResult{}, ErrDuplicateBroadcast
		}
		d.guard.Record(prop.ID)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.nowFn().UTC()
	res := RegisterResult{Self: cloneHost(d.self)}

	if existing, ok := d.findKnownLocked(host); ok {
		// Known peer announcing again, possibly under a different URL or
		// alias. Refresh the record under its established id.
		existing.Name = firstNonEmpty(host.Name, existing.Name)
		existing.URL = host.URL
		existing.Description = firstNonEmpty(host.Description, existing.Description)
		existing.Aliases = mergeAliases(existing.Aliases, host.Aliases)
		existing.Enabled = true
		existing.SyncedAt = now
		existing.SyncSource = firstNonEmpty(prop.Initiator, existing.SyncSource)
		d.hosts[existing.ID] = existing
		res.AlreadyKnown = true
	} else {
		candidate := cloneHost(host)
		candidate.Enabled = true
		candidate.SyncedAt = now
		candidate.SyncSource = prop.Initiator
		d.hosts[candidate.ID] = candidate
		res.Registered = true
	}

	if err := d.persistLocked(); err != nil {
		d.log.Error("failed to persist peer directory", zap.Error(err))
		return RegisterResult{}, err
	}

	res.KnownPeers = d.peersExcludingLocked(host)
	return res, nil
}

// All returns every known peer, ordered by id.
func (d *Directory) All() []Host {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Host, 0, len(d.hosts))
	for _, h := range d.hosts {
		out = append(out, cloneHost(h))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the peer with the given id.
func (d *Directory) Get(id string) (Host, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	h, ok := d.hosts[id]
	if !ok {
		return Host{}, false
	}
	return cloneHost(h), true
}

func (d *Directory) isSelf(candidate Host) bool {
	return hostsMatch(candidate, d.self)
}

func (d *Directory) findKnownLocked(candidate Host) (Host, bool) {
	for _, known := range d.hosts {
		if hostsMatch(candidate, known) {
			return known, true
		}
	}
	return Host{}, false
}

func (d *Directory) peersExcludingLocked(requester Host) []Host {
	out := make([]Host, 0, len(d.hosts))
	for _, h := range d.hosts {
		if hostsMatch(requester, h) {
			continue
		}
		out = append(out, cloneHost(h))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (d *Directory) persistLocked() error {
	persisted := make([]Host, 0, len(d.hosts))
	for _, h := range d.hosts {
		persisted = append(persisted, h)
	}
	sort.Slice(persisted, func(i, j int) bool { return persisted[i].ID < persisted[j].ID })
	return store.Save(d.path, persisted)
}

// hostsMatch reports whether two descriptors refer to the same host. The
// comparison spans id, URL, and aliases so a peer re-announcing under its IP
// address after being known by hostname is still recognized.
func hostsMatch(a, b Host) bool {
	if a.ID != "" && strings.EqualFold(a.ID, b.ID) {
		return true
	}
	if a.URL != "" && normalizeURL(a.URL) == normalizeURL(b.URL) {
		return true
	}
	for _, alias := range a.Aliases {
		if strings.EqualFold(alias, b.ID) {
			return true
		}
		for _, other := range b.Aliases {
			if strings.EqualFold(alias, other) {
				return true
			}
		}
	}
	for _, alias := range b.Aliases {
		if strings.EqualFold(alias, a.ID) {
			return true
		}
	}
	return false
}

func normalizeURL(raw string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(raw), "/"))
}

func cloneHost(h Host) Host {
	out := h
	if h.Aliases != nil {
		out.Aliases = append([]string(nil), h.Aliases...)
	}
	return out
}

func mergeAliases(existing, incoming []string) []string {
	merged := append([]string(nil), existing...)
	for _, alias := range incoming {
		seen := false
		for _, have := range merged {
			if strings.EqualFold(have, alias) {
				seen = true
				break
			}
		}
		if !seen {
			merged = append(merged, alias)
		}
	}
	return merged
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
