// Package directory tracks the agents known to this node and resolves the
// loose identifiers senders use (stable id, name, alias, session name) to a
// concrete agent.
package directory

import (
	"crypto/subtle"
	"errors"
	"sort"
	"sync"
	"time"
)

// Agent captures one registered agent and its delivery state.
type Agent struct {
	ID          string
	Name        string
	Address     string
	SessionName string
	Aliases     []string
	PublicKey   []byte
	Token       string
	Online      bool
	LastSeen    time.Time
}

// Directory maintains agent registrations. Reads return clones so callers
// cannot mutate shared state.
type Directory struct {
	mu     sync.RWMutex
	agents map[string]Agent
	nowFn  func() time.Time
}

// New creates an empty directory.
func New() *Directory {
	return &Directory{
		agents: make(map[string]Agent),
		nowFn:  time.Now,
	}
}

// Upsert inserts or updates an agent record and stamps lastSeen.
func (d *Directory) Upsert(agent Agent) error {
	if agent.ID == "" {
		return errors.New("agent id is required")
	}
	agent.LastSeen = d.nowFn()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.agents[agent.ID] = cloneAgent(agent)
	return nil
}

// Get fetches an agent by its stable id.
func (d *Directory) Get(id string) (Agent, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	agent, ok := d.agents[id]
	if !ok {
		return Agent{}, false
	}
	return cloneAgent(agent), true
}

// All returns every known agent, sorted by id.
func (d *Directory) All() []Agent {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Agent, 0, len(d.agents))
	for _, agent := range d.agents {
		out = append(out, cloneAgent(agent))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetOnline flips an agent's delivery availability, reporting false if the
// agent is unknown.
func (d *Directory) SetOnline(id string, online bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	agent, ok := d.agents[id]
	if !ok {
		return false
	}
	agent.Online = online
	agent.LastSeen = d.nowFn()
	d.agents[id] = agent
	return true
}

// FindByToken resolves a bearer token to its agent using constant-time
// comparison. Auth failures never reveal whether the token's agent exists.
func (d *Directory) FindByToken(token string) (Agent, bool) {
	if token == "" {
		return Agent{}, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, agent := range d.agents {
		if agent.Token == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(agent.Token), []byte(token)) == 1 {
			return cloneAgent(agent), true
		}
	}
	return Agent{}, false
}

func cloneAgent(in Agent) Agent {
	cp := in
	cp.Aliases = append([]string(nil), in.Aliases...)
	cp.PublicKey = append([]byte(nil), in.PublicKey...)
	return cp
}
