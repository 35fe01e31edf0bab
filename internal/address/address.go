// Package address parses the name@organization.provider identifiers agents
// use to reach each other.
package address

import "strings"

// Address is a parsed agent identifier. Provider may itself contain one dot
// (e.g. "aimaestro.local"); Scope holds any segments between the organization
// and the provider.
type Address struct {
	Name         string
	Organization string
	Scope        []string
	Provider     string
}

// Parse splits raw into its address parts. It is total: malformed input
// returns ok=false and a zero Address, never a partial result.
func Parse(raw string) (Address, bool) {
	raw = strings.TrimSpace(raw)
	at := strings.Index(raw, "@")
	if at <= 0 || at != strings.LastIndex(raw, "@") {
		return Address{}, false
	}

	name := raw[:at]
	domain := raw[at+1:]
	if name == "" || domain == "" {
		return Address{}, false
	}

	segments := strings.Split(domain, ".")
	for _, seg := range segments {
		if seg == "" {
			return Address{}, false
		}
	}

	// An address needs at least an organization segment and a provider
	// segment. With three or more segments the final two form the provider.
	switch {
	case len(segments) < 2:
		return Address{}, false
	case len(segments) == 2:
		return Address{
			Name:         name,
			Organization: segments[0],
			Provider:     segments[1],
		}, true
	default:
		addr := Address{
			Name:         name,
			Organization: segments[0],
			Provider:     strings.Join(segments[len(segments)-2:], "."),
		}
		if middle := segments[1 : len(segments)-2]; len(middle) > 0 {
			addr.Scope = append([]string(nil), middle...)
		}
		return addr, true
	}
}

// String reconstructs the wire form of the address.
func (a Address) String() string {
	var b strings.Builder
	b.WriteString(a.Name)
	b.WriteString("@")
	b.WriteString(a.Organization)
	for _, s := range a.Scope {
		b.WriteString(".")
		b.WriteString(s)
	}
	b.WriteString(".")
	b.WriteString(a.Provider)
	return b.String()
}

// Domain returns everything after the @.
func (a Address) Domain() string {
	full := a.String()
	return full[strings.Index(full, "@")+1:]
}
