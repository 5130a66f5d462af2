package publisher

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudtolocalllm/relay/internal/registry"
)

// fakeRegistry mimics the registry's wire surface and records traffic.
type fakeRegistry struct {
	mu          sync.Mutex
	registers   int
	heartbeats  int
	unregisters int
	lastInfo    registry.TunnelInfo
	lastStatus  *registry.HeartbeatStatus
	lastAuth    string
	// lostTunnel makes heartbeats answer 404 until the next register.
	lostTunnel bool
	failNext   int
}

func (f *fakeRegistry) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tunnels/register", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.lastAuth = r.Header.Get("Authorization")
		if f.failNext > 0 {
			f.failNext--
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		var body struct {
			TunnelInfo registry.TunnelInfo `json:"tunnelInfo"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		f.lastInfo = body.TunnelInfo
		f.registers++
		f.lostTunnel = false
		json.NewEncoder(w).Encode(map[string]interface{}{"success": true, "tunnelId": "tun-1"})
	})
	mux.HandleFunc("/api/tunnels/tun-1/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.lostTunnel {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		f.heartbeats++
		var status registry.HeartbeatStatus
		if err := json.NewDecoder(r.Body).Decode(&status); err == nil {
			f.lastStatus = &status
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"success": true})
	})
	mux.HandleFunc("/api/tunnels/tun-1", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			http.NotFound(w, r)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		f.unregisters++
		json.NewEncoder(w).Encode(map[string]interface{}{"success": true})
	})
	return mux
}

func (f *fakeRegistry) snapshot() (registers, heartbeats, unregisters int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registers, f.heartbeats, f.unregisters
}

func newTestPublisher(t *testing.T, f *fakeRegistry, cfg Config) *Publisher {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	cfg.RegistryURL = srv.URL
	if cfg.Token == "" {
		cfg.Token = "test-token"
	}
	if cfg.Tunnel.PublicURL == "" {
		cfg.Tunnel = registry.TunnelInfo{
			PublicURL:  "https://desktop.example.com",
			LocalURL:   "http://localhost:11434",
			ShareToken: "s3cret",
		}
	}
	return New(cfg)
}

func waitFor(t *testing.T, what string, pred func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if pred() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartRegistersAndHeartbeats(t *testing.T) {
	f := &fakeRegistry{}
	p := newTestPublisher(t, f, Config{HeartbeatInterval: 20 * time.Millisecond})

	p.Start()
	defer p.Stop()

	waitFor(t, "register", func() bool { r, _, _ := f.snapshot(); return r == 1 })
	waitFor(t, "heartbeats", func() bool { _, h, _ := f.snapshot(); return h >= 2 })

	if p.TunnelID() != "tun-1" {
		t.Fatalf("TunnelID = %q, want tun-1", p.TunnelID())
	}
	f.mu.Lock()
	auth := f.lastAuth
	info := f.lastInfo
	f.mu.Unlock()
	if !strings.HasPrefix(auth, "Bearer ") {
		t.Fatalf("Authorization = %q, want bearer token", auth)
	}
	if info.PublicURL != "https://desktop.example.com" {
		t.Fatalf("published PublicURL = %q", info.PublicURL)
	}
}

func TestHeartbeatCarriesSelfReport(t *testing.T) {
	healthy := true
	rtt := int64(42)
	f := &fakeRegistry{}
	p := newTestPublisher(t, f, Config{
		HeartbeatInterval: 20 * time.Millisecond,
		Status: func() *registry.HeartbeatStatus {
			return &registry.HeartbeatStatus{Healthy: &healthy, ResponseTimeMs: &rtt}
		},
	})

	p.Start()
	defer p.Stop()

	waitFor(t, "heartbeat with status", func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.lastStatus != nil && f.lastStatus.ResponseTimeMs != nil
	})
	f.mu.Lock()
	got := *f.lastStatus.ResponseTimeMs
	f.mu.Unlock()
	if got != 42 {
		t.Fatalf("ResponseTimeMs = %d, want 42", got)
	}
}

func TestReRegistersWhenRegistryForgets(t *testing.T) {
	f := &fakeRegistry{}
	p := newTestPublisher(t, f, Config{HeartbeatInterval: 20 * time.Millisecond})

	oldMin := backoffMin
	backoffMin = time.Millisecond
	defer func() { backoffMin = oldMin }()

	p.Start()
	defer p.Stop()

	waitFor(t, "first register", func() bool { r, _, _ := f.snapshot(); return r == 1 })

	f.mu.Lock()
	f.lostTunnel = true
	f.mu.Unlock()

	waitFor(t, "re-register", func() bool { r, _, _ := f.snapshot(); return r >= 2 })
}

func TestRegisterRetriesWithBackoff(t *testing.T) {
	f := &fakeRegistry{failNext: 2}
	p := newTestPublisher(t, f, Config{HeartbeatInterval: time.Hour})

	oldMin, oldMax := backoffMin, backoffMax
	backoffMin, backoffMax = time.Millisecond, 4*time.Millisecond
	defer func() { backoffMin, backoffMax = oldMin, oldMax }()

	p.Start()
	defer p.Stop()

	waitFor(t, "register after failures", func() bool { r, _, _ := f.snapshot(); return r == 1 })
}

func TestStopUnregisters(t *testing.T) {
	f := &fakeRegistry{}
	p := newTestPublisher(t, f, Config{HeartbeatInterval: time.Hour})

	p.Start()
	waitFor(t, "register", func() bool { r, _, _ := f.snapshot(); return r == 1 })
	p.Stop()

	_, _, unregisters := f.snapshot()
	if unregisters != 1 {
		t.Fatalf("unregisters = %d, want 1", unregisters)
	}

	// Second Stop is a no-op.
	p.Stop()
	_, _, unregisters = f.snapshot()
	if unregisters != 1 {
		t.Fatalf("unregisters after second Stop = %d, want 1", unregisters)
	}
}
