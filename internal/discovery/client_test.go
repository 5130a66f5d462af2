package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cloudtolocalllm/relay/internal/apperr"
	"github.com/cloudtolocalllm/relay/internal/registry"
)

// stubRegistry returns a fixed descriptor or error and counts calls.
type stubRegistry struct {
	mu    sync.Mutex
	desc  *registry.Descriptor
	err   error
	calls int
}

func (s *stubRegistry) Discover(_ context.Context) (*registry.Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	cp := *s.desc
	return &cp, nil
}

func (s *stubRegistry) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestClient(reg RegistryClient) *Client {
	return NewClient(Config{
		PollInterval:  time.Hour, // ticks never fire; tests drive the loops directly
		ProbeInterval: time.Hour,
		ProbeTimeout:  2 * time.Second,
		Staleness:     5 * time.Minute,
	}, reg)
}

func i64(v int64) *int64 { return &v }

func TestDiscoverUpsertsCache(t *testing.T) {
	stub := &stubRegistry{desc: &registry.Descriptor{TunnelID: "t1", PublicURL: "https://p1"}}
	c := newTestClient(stub)

	c.discoverOnce(context.Background(), c.generation)

	best := c.GetBestTunnel()
	if best == nil {
		t.Fatal("GetBestTunnel returned nil after discovery")
	}
	if best.TunnelID != "t1" || best.PublicURL != "https://p1" {
		t.Errorf("cached %+v", best)
	}
	if !best.Healthy || best.ConsecutiveFailures != 0 {
		t.Errorf("fresh entry not healthy: %+v", best)
	}
}

func TestTransientMissKeepsCache(t *testing.T) {
	stub := &stubRegistry{desc: &registry.Descriptor{TunnelID: "t1", PublicURL: "https://p1"}}
	c := newTestClient(stub)

	c.discoverOnce(context.Background(), c.generation)

	// Registry starts 404ing; the cache entry must survive.
	stub.mu.Lock()
	stub.err = fmt.Errorf("no tunnel: %w", apperr.ErrUnavailable)
	stub.mu.Unlock()

	c.discoverOnce(context.Background(), c.generation)

	if c.GetBestTunnel() == nil {
		t.Fatal("transient registry miss evicted the cache entry")
	}
}

func TestStalenessPrunes(t *testing.T) {
	stub := &stubRegistry{desc: &registry.Descriptor{TunnelID: "t1", PublicURL: "https://p1"}}
	c := newTestClient(stub)

	base := time.Now()
	c.now = func() time.Time { return base }
	c.discoverOnce(context.Background(), c.generation)

	// Unrefreshed past the staleness window while the registry is down.
	stub.mu.Lock()
	stub.err = errors.New("registry unreachable")
	stub.mu.Unlock()
	c.now = func() time.Time { return base.Add(6 * time.Minute) }

	if c.GetBestTunnel() != nil {
		t.Error("stale entry still returned by GetBestTunnel")
	}

	c.discoverOnce(context.Background(), c.generation)
	if c.Stats().Size != 0 {
		t.Errorf("stale entry not pruned: %+v", c.Stats())
	}
}

func TestProbeSuccessResetsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("probe path = %q", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	stub := &stubRegistry{desc: &registry.Descriptor{TunnelID: "t1", PublicURL: srv.URL}}
	c := newTestClient(stub)
	c.discoverOnce(context.Background(), c.generation)

	// Pre-damage the entry; a successful probe must clear it.
	c.mu.Lock()
	c.cache["t1"].Healthy = false
	c.cache["t1"].ConsecutiveFailures = 2
	c.mu.Unlock()

	c.probeOnce(context.Background(), c.generation)

	best := c.GetBestTunnel()
	if best == nil {
		t.Fatal("healthy entry missing after successful probe")
	}
	if best.ConsecutiveFailures != 0 || !best.Healthy {
		t.Errorf("probe did not reset state: %+v", best)
	}
	if best.ResponseTimeMs == nil {
		t.Error("probe did not record response time")
	}
}

func TestProbeMarksSweepWithEmptyCache(t *testing.T) {
	c := newTestClient(&stubRegistry{})

	base := time.Now()
	c.now = func() time.Time { return base }

	if got := c.Stats().LastProbeAt; !got.IsZero() {
		t.Fatalf("LastProbeAt before any probe = %v, want zero", got)
	}

	c.probeOnce(context.Background(), c.generation)

	if got := c.Stats().LastProbeAt; !got.Equal(base) {
		t.Fatalf("LastProbeAt = %v, want %v even with nothing cached", got, base)
	}
}

func TestProbeFailureIncrementsAndEvicts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	stub := &stubRegistry{desc: &registry.Descriptor{TunnelID: "t1", PublicURL: srv.URL}}
	c := newTestClient(stub)
	c.discoverOnce(context.Background(), c.generation)

	for i := 1; i <= evictFailures; i++ {
		c.probeOnce(context.Background(), c.generation)
		if i < evictFailures {
			c.mu.Lock()
			entry := c.cache["t1"]
			c.mu.Unlock()
			if entry == nil {
				t.Fatalf("entry evicted early at %d failures", i)
			}
			if entry.ConsecutiveFailures != i {
				t.Errorf("failures = %d after %d probes", entry.ConsecutiveFailures, i)
			}
			if c.GetBestTunnel() != nil {
				t.Errorf("unhealthy entry returned at %d failures", i)
			}
		}
	}

	if c.Stats().Size != 0 {
		t.Errorf("entry not evicted at failure ceiling: %+v", c.Stats())
	}
	if c.GetBestTunnel() != nil {
		t.Error("evicted entry still returned")
	}
}

func TestGetBestTunnelNeverReturnsDegraded(t *testing.T) {
	c := newTestClient(&stubRegistry{})
	now := time.Now()
	c.cache["a"] = &Tunnel{TunnelID: "a", Healthy: true, ConsecutiveFailures: 3, DiscoveredAt: now}
	c.cache["b"] = &Tunnel{TunnelID: "b", Healthy: false, ConsecutiveFailures: 0, DiscoveredAt: now}

	if best := c.GetBestTunnel(); best != nil {
		t.Errorf("GetBestTunnel = %+v, want nil", best)
	}
}

func TestGetBestTunnelPrefersFastest(t *testing.T) {
	c := newTestClient(&stubRegistry{})
	now := time.Now()
	c.cache["slow"] = &Tunnel{TunnelID: "slow", Healthy: true, ResponseTimeMs: i64(250), DiscoveredAt: now}
	c.cache["fast"] = &Tunnel{TunnelID: "fast", Healthy: true, ResponseTimeMs: i64(30), DiscoveredAt: now}
	c.cache["unmeasured"] = &Tunnel{TunnelID: "unmeasured", Healthy: true, DiscoveredAt: now}

	best := c.GetBestTunnel()
	if best == nil || best.TunnelID != "fast" {
		t.Errorf("GetBestTunnel = %+v, want fast", best)
	}
}

func TestStopClearsCacheAndIsIdempotent(t *testing.T) {
	stub := &stubRegistry{desc: &registry.Descriptor{TunnelID: "t1", PublicURL: "https://p1"}}
	c := newTestClient(stub)

	c.Start()
	c.Stop()
	if c.Stats().Size != 0 {
		t.Error("cache not cleared by Stop")
	}
	c.Stop() // second call is a no-op
	if c.Stats().Size != 0 {
		t.Error("cache not empty after second Stop")
	}
}

func TestStartIdempotent(t *testing.T) {
	stub := &stubRegistry{desc: &registry.Descriptor{TunnelID: "t1", PublicURL: "https://p1"}}
	c := newTestClient(stub)
	defer c.Stop()

	c.Start()
	gen := func() uint64 {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.generation
	}
	first := gen()
	c.Start()
	if gen() != first {
		t.Error("second Start advanced the generation")
	}
}

func TestStaleGenerationResultsDiscarded(t *testing.T) {
	stub := &stubRegistry{desc: &registry.Descriptor{TunnelID: "t1", PublicURL: "https://p1"}}
	c := newTestClient(stub)

	c.Start()
	oldGen := func() uint64 {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.generation
	}()
	c.Stop()

	// A call issued before Stop finishing now must not repopulate the cache.
	c.discoverOnce(context.Background(), oldGen)
	if c.Stats().Size != 0 {
		t.Error("stale-generation result was applied after Stop")
	}
}

func TestForceDiscoverBypassesTimer(t *testing.T) {
	stub := &stubRegistry{desc: &registry.Descriptor{TunnelID: "t1", PublicURL: "https://p1"}}
	c := newTestClient(stub)

	c.ForceDiscover(context.Background())
	if stub.callCount() != 1 {
		t.Errorf("registry calls = %d, want 1", stub.callCount())
	}
	if c.GetBestTunnel() == nil {
		t.Error("forced discovery did not populate the cache")
	}
}

func TestStartPrimesCache(t *testing.T) {
	stub := &stubRegistry{desc: &registry.Descriptor{TunnelID: "t1", PublicURL: "https://p1"}}
	c := newTestClient(stub)
	defer c.Stop()

	c.Start()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.GetBestTunnel() != nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("cache not primed shortly after Start")
}

func TestHTTPRegistryClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tunnels/discover/u1" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("X-Container-Token") != "ctok" || r.Header.Get("X-Container-Id") != "proxy-1" {
			t.Errorf("container headers missing: %v", r.Header)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"success":true,"data":{"available":true,"tunnelInfo":{"tunnelId":"t1","publicUrl":"https://p1","responseTimeMs":12}}}`)
	}))
	defer srv.Close()

	c := NewHTTPRegistryClient(srv.URL, "u1", "ctok", "proxy-1")
	d, err := c.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if d.TunnelID != "t1" || d.PublicURL != "https://p1" {
		t.Errorf("descriptor = %+v", d)
	}
	if d.ResponseTimeMs == nil || *d.ResponseTimeMs != 12 {
		t.Errorf("responseTimeMs = %v", d.ResponseTimeMs)
	}
}

func TestHTTPRegistryClientNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"success":false}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewHTTPRegistryClient(srv.URL, "u1", "ctok", "proxy-1")
	_, err := c.Discover(context.Background())
	if !errors.Is(err, apperr.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestHTTPRegistryClientUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"success":false}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewHTTPRegistryClient(srv.URL, "u1", "ctok", "proxy-1")
	_, err := c.Discover(context.Background())
	if !errors.Is(err, apperr.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}
