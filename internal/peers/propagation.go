package peers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultHTTPTimeout bounds each outbound re-announcement call so a dead
// peer cannot hang the fan-out.
const DefaultHTTPTimeout = 10 * time.Second

const registerPeerPath = "/hosts/register-peer"

// PropagatorOptions wires a Propagator.
type PropagatorOptions struct {
	Log         *zap.Logger
	Directory   *Directory
	HTTPTimeout time.Duration
	// Client overrides the default HTTP client, used by tests.
	Client *http.Client
}

// Propagator forwards newly learned peers to the rest of the known mesh.
// Announce is fire-and-forget per target: a peer that is down is logged and
// skipped, never retried and never surfaced to the registration caller.
type Propagator struct {
	log    *zap.Logger
	dir    *Directory
	client *http.Client
}

// NewPropagator builds a propagator over the given directory.
func NewPropagator(opts PropagatorOptions) *Propagator {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = DefaultHTTPTimeout
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.HTTPTimeout}
	}
	return &Propagator{
		log:    opts.Log,
		dir:    opts.Directory,
		client: client,
	}
}

// registerPeerRequest is the wire shape of a peer-exchange announcement.
type registerPeerRequest struct {
	Host   announcedHost       `json:"host"`
	Source *announcementSource `json:"source,omitempty"`
}

type announcedHost struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	URL         string   `json:"url"`
	Description string   `json:"description,omitempty"`
	Aliases     []string `json:"aliases,omitempty"`
}

type announcementSource struct {
	Initiator        string `json:"initiator"`
	PropagationID    string `json:"propagation_id,omitempty"`
	PropagationDepth int    `json:"propagation_depth"`
}

// Announce forwards host to every other known peer at depth prop.Depth+1.
// A broadcast that would exceed the depth ceiling is dropped here rather
// than sent and rejected remotely. When prop.ID is empty a fresh propagation
// id is minted so receiving hosts can dedup the broadcast.
func (p *Propagator) Announce(ctx context.Context, host Host, prop Propagation) {
	nextDepth := prop.Depth + 1
	if nextDepth > p.dir.MaxDepth() {
		p.log.Debug("propagation depth ceiling reached, not forwarding",
			zap.String("host_id", host.ID),
			zap.Int("depth", prop.Depth))
		return
	}

	propagationID := prop.ID
	if propagationID == "" {
		propagationID = uuid.NewString()
	}
	initiator := prop.Initiator
	if initiator == "" {
		initiator = p.dir.Self().ID
	}

	body, err := json.Marshal(registerPeerRequest{
		Host: announcedHost{
			ID:          host.ID,
			Name:        host.Name,
			URL:         host.URL,
			Description: host.Description,
			Aliases:     host.Aliases,
		},
		Source: &announcementSource{
			Initiator:        initiator,
			PropagationID:    propagationID,
			PropagationDepth: nextDepth,
		},
	})
	if err != nil {
		p.log.Error("failed to encode peer announcement", zap.Error(err))
		return
	}

	for _, peer := range p.dir.All() {
		if hostsMatch(peer, host) {
			continue
		}
		if err := p.post(ctx, peer.URL, body); err != nil {
			p.log.Warn("peer announcement failed",
				zap.String("peer_id", peer.ID),
				zap.String("peer_url", peer.URL),
				zap.Error(err))
			continue
		}
		p.log.Debug("peer announcement forwarded",
			zap.String("peer_id", peer.ID),
			zap.String("host_id", host.ID),
			zap.Int("depth", nextDepth))
	}
}

func (p *Propagator) post(ctx context.Context, baseURL string, body []byte) error {
	url := normalizeURL(baseURL) + registerPeerPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("peer returned status %d", resp.StatusCode)
	}
	return nil
}
