package directory

import "strings"

// ResolveFunc is one resolution strategy: a pure lookup of identifier in the
// directory. Strategies are tried in order so resolution precedence stays
// explicit and independently testable.
type ResolveFunc func(identifier string, d *Directory) (Agent, bool)

// DefaultResolvers returns the standard cascade: stable id, then exact name,
// then declared alias, then the session-name heuristic.
func DefaultResolvers() []ResolveFunc {
	return []ResolveFunc{ByID, ByName, ByAlias, BySessionName}
}

// Resolve applies the default cascade.
func (d *Directory) Resolve(identifier string) (Agent, bool) {
	return ResolveWith(identifier, d, DefaultResolvers())
}

// ResolveWith applies the given strategies in order.
func ResolveWith(identifier string, d *Directory, strategies []ResolveFunc) (Agent, bool) {
	if identifier == "" {
		return Agent{}, false
	}
	for _, strategy := range strategies {
		if agent, ok := strategy(identifier, d); ok {
			return agent, true
		}
	}
	return Agent{}, false
}

// ByID matches the agent's stable identifier exactly.
func ByID(identifier string, d *Directory) (Agent, bool) {
	return d.Get(identifier)
}

// ByName matches the agent's registered name, case-insensitively.
func ByName(identifier string, d *Directory) (Agent, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, agent := range d.agents {
		if strings.EqualFold(agent.Name, identifier) {
			return cloneAgent(agent), true
		}
	}
	return Agent{}, false
}

// ByAlias matches any declared alias, case-insensitively.
func ByAlias(identifier string, d *Directory) (Agent, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, agent := range d.agents {
		for _, alias := range agent.Aliases {
			if strings.EqualFold(alias, identifier) {
				return cloneAgent(agent), true
			}
		}
	}
	return Agent{}, false
}

// BySessionName matches the agent's terminal session name after normalizing
// both sides to bare alphanumerics. Session names pick up prefixes and
// separators ("agent-bob-2") that senders rarely reproduce exactly.
func BySessionName(identifier string, d *Directory) (Agent, bool) {
	want := normalize(identifier)
	if want == "" {
		return Agent{}, false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, agent := range d.agents {
		if agent.SessionName == "" {
			continue
		}
		have := normalize(agent.SessionName)
		if have == want || strings.HasSuffix(have, want) {
			return cloneAgent(agent), true
		}
	}
	return Agent{}, false
}

func normalize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
