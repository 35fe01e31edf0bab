package peers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type capturedAnnouncement struct {
	path string
	body registerPeerRequest
}

func newCaptureServer(t *testing.T) (*httptest.Server, func() []capturedAnnouncement) {
	t.Helper()

	var mu sync.Mutex
	var captured []capturedAnnouncement

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}
		var req registerPeerRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			t.Errorf("decode body: %v", err)
		}
		mu.Lock()
		captured = append(captured, capturedAnnouncement{path: r.URL.Path, body: req})
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	return srv, func() []capturedAnnouncement {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedAnnouncement(nil), captured...)
	}
}

func TestAnnounceForwardsToOtherPeers(t *testing.T) {
	srv, captured := newCaptureServer(t)

	dir, err := NewDirectory(Options{
		Log:  zaptest.NewLogger(t),
		Path: filepath.Join(t.TempDir(), "peers.json"),
		Self: Host{ID: "host-self", URL: "https://self.example.com"},
	})
	if err != nil {
		t.Fatalf("new directory: %v", err)
	}
	if _, err := dir.Register(Host{ID: "host-a", URL: srv.URL}, Propagation{}); err != nil {
		t.Fatalf("seed peer: %v", err)
	}

	newcomer := Host{ID: "host-b", Name: "beta", URL: "https://b.example.com"}
	if _, err := dir.Register(newcomer, Propagation{}); err != nil {
		t.Fatalf("register newcomer: %v", err)
	}

	prop := NewPropagator(PropagatorOptions{
		Log:       zaptest.NewLogger(t),
		Directory: dir,
		Client:    srv.Client(),
	})
	prop.Announce(context.Background(), newcomer, Propagation{Initiator: "host-self", Depth: 0})

	got := captured()
	if len(got) != 1 {
		t.Fatalf("expected one announcement, got %d", len(got))
	}
	ann := got[0]
	if ann.path != "/hosts/register-peer" {
		t.Fatalf("unexpected path %q", ann.path)
	}
	if ann.body.Host.ID != "host-b" {
		t.Fatalf("expected host-b announcement, got %q", ann.body.Host.ID)
	}
	if ann.body.Source == nil {
		t.Fatal("expected propagation source metadata")
	}
	if ann.body.Source.PropagationDepth != 1 {
		t.Fatalf("expected depth 1, got %d", ann.body.Source.PropagationDepth)
	}
	if ann.body.Source.PropagationID == "" {
		t.Fatal("expected a minted propagation id")
	}
	if ann.body.Source.Initiator != "host-self" {
		t.Fatalf("unexpected initiator %q", ann.body.Source.Initiator)
	}
}

// The announced host itself must never receive its own announcement back.
func TestAnnounceSkipsTheAnnouncedHost(t *testing.T) {
	srv, captured := newCaptureServer(t)

	dir, err := NewDirectory(Options{
		Log:  zaptest.NewLogger(t),
		Path: filepath.Join(t.TempDir(), "peers.json"),
		Self: Host{ID: "host-self", URL: "https://self.example.com"},
	})
	if err != nil {
		t.Fatalf("new directory: %v", err)
	}
	newcomer := Host{ID: "host-a", URL: srv.URL}
	if _, err := dir.Register(newcomer, Propagation{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	prop := NewPropagator(PropagatorOptions{
		Log:       zaptest.NewLogger(t),
		Directory: dir,
		Client:    srv.Client(),
	})
	prop.Announce(context.Background(), newcomer, Propagation{Depth: 0})

	if got := captured(); len(got) != 0 {
		t.Fatalf("announced host should be skipped, got %d calls", len(got))
	}
}

func TestAnnounceStopsAtDepthCeiling(t *testing.T) {
	srv, captured := newCaptureServer(t)

	dir, err := NewDirectory(Options{
		Log:  zaptest.NewLogger(t),
		Path: filepath.Join(t.TempDir(), "peers.json"),
		Self: Host{ID: "host-self", URL: "https://self.example.com"},
	})
	if err != nil {
		t.Fatalf("new directory: %v", err)
	}
	if _, err := dir.Register(Host{ID: "host-a", URL: srv.URL}, Propagation{}); err != nil {
		t.Fatalf("seed peer: %v", err)
	}

	prop := NewPropagator(PropagatorOptions{
		Log:       zaptest.NewLogger(t),
		Directory: dir,
		Client:    srv.Client(),
	})
	prop.Announce(context.Background(), Host{ID: "host-b", URL: "https://b.example.com"}, Propagation{Depth: 3})

	if got := captured(); len(got) != 0 {
		t.Fatalf("depth 3 broadcast must not be forwarded to depth 4, got %d calls", len(got))
	}
}

func TestAnnounceSurvivesDeadPeer(t *testing.T) {
	dir, err := NewDirectory(Options{
		Log:  zaptest.NewLogger(t),
		Path: filepath.Join(t.TempDir(), "peers.json"),
		Self: Host{ID: "host-self", URL: "https://self.example.com"},
	})
	if err != nil {
		t.Fatalf("new directory: %v", err)
	}
	if _, err := dir.Register(Host{ID: "host-dead", URL: "http://127.0.0.1:1"}, Propagation{}); err != nil {
		t.Fatalf("seed peer: %v", err)
	}

	prop := NewPropagator(PropagatorOptions{
		Log:       zaptest.NewLogger(t),
		Directory: dir,
		Client:    &http.Client{Timeout: 200 * time.Millisecond},
	})

	// Must return without error or panic; the failure is logged and dropped.
	prop.Announce(context.Background(), Host{ID: "host-b", URL: "https://b.example.com"}, Propagation{Depth: 0})
}
