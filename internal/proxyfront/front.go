// Package proxyfront terminates end-client websocket sessions and relays
// their chat traffic to whichever endpoint the connection manager currently
// prefers. It exposes health, status and metrics endpoints that always
// answer 200; degradation shows up in the payload, never the status code.
package proxyfront

import (
	"bufio"
	"bytes"
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cloudtolocalllm/relay/internal/auth"
	"github.com/cloudtolocalllm/relay/internal/connection"
	"github.com/cloudtolocalllm/relay/internal/metrics"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// chatPath is the upstream route chat frames are forwarded to. Both the
// desktop tunnel endpoint and the cloud fallback serve it.
const chatPath = "/api/chat"

type Config struct {
	// UserID is the subject every client token must carry.
	UserID string
	// IdleTimeout is how long a session may sit without traffic before
	// the reaper closes it.
	IdleTimeout time.Duration
	// ReapInterval is how often the reaper scans the connection table.
	ReapInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = time.Minute
	}
}

type ProxyFront struct {
	cfg   Config
	cm    *connection.Manager
	track *tracker
	httpc *http.Client

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
}

func New(cfg Config, cm *connection.Manager) *ProxyFront {
	cfg.applyDefaults()
	return &ProxyFront{
		cfg:   cfg,
		cm:    cm,
		track: newTracker(),
		httpc: &http.Client{},
	}
}

// Start launches the idle reaper. Idempotent while running.
func (p *ProxyFront) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.reapLoop(ctx)
	log.Printf("[proxy] idle reaper started (timeout %s, interval %s)", p.cfg.IdleTimeout, p.cfg.ReapInterval)
}

func (p *ProxyFront) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return
	}
	p.started = false
	p.cancel()
}

func (p *ProxyFront) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.track.reapOnce(p.cfg.IdleTimeout)
		}
	}
}

// Router builds the proxy-side HTTP surface.
func (p *ProxyFront) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Get("/health", p.handleHealth)
	r.Get("/status", p.handleStatus)
	r.Get("/metrics", metrics.Handler())
	r.Get("/ws", p.handleWS)
	return r
}

func (p *ProxyFront) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := p.cm.GetStatus()
	health := "healthy"
	if status.CurrentEndpoint == "" {
		health = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          health,
		"endpoint":        status.CurrentEndpoint,
		"tunnelAvailable": status.TunnelAvailable,
		"connections":     p.track.count(),
	})
}

func (p *ProxyFront) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := p.cm.GetStatus()
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":            status.Mode,
		"currentEndpoint": status.CurrentEndpoint,
		"tunnelAvailable": status.TunnelAvailable,
		"tunnel":          status.ChosenTunnel,
		"cache":           status.CacheStats,
		"connections":     p.track.list(),
	})
}

func (p *ProxyFront) handleWS(w http.ResponseWriter, r *http.Request) {
	token := auth.FromRequest(r)
	if err := auth.VerifySubject(token, p.cfg.UserID); err != nil {
		metrics.AuthFailures.Inc()
		http.Error(w, "Authentication required", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Printf("[proxy] websocket accept failed: %v", err)
		return
	}

	conn := &trackedConn{
		id:             uuid.New().String(),
		ws:             ws,
		connectedAt:    time.Now(),
		lastActivityAt: time.Now(),
	}
	p.track.add(conn)
	log.Printf("[proxy] connection %s opened", conn.id)

	defer func() {
		if conn.beginClose() {
			ws.Close(websocket.StatusNormalClosure, "")
		}
		conn.finishClose()
		p.track.remove(conn.id)
		log.Printf("[proxy] connection %s closed", conn.id)
	}()

	ctx := r.Context()
	for {
		typ, payload, err := ws.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		conn.touch(time.Now(), int64(len(payload)))
		p.relay(ctx, conn, payload)
	}
}

// relay forwards one chat frame upstream and streams response lines back
// over the websocket. A failed endpoint triggers one forced rediscovery;
// the frame is retried only if that changed the endpoint.
func (p *ProxyFront) relay(ctx context.Context, conn *trackedConn, payload []byte) {
	endpoint := p.cm.BestEndpoint()
	if endpoint == "" {
		p.writeErrorFrame(ctx, conn, "no endpoint available")
		return
	}

	if err := p.relayOnce(ctx, conn, endpoint, payload); err != nil {
		log.Printf("[proxy] relay via %s failed: %v", endpoint, err)
		changed := p.cm.HandleConnectionFailure(ctx)
		if !changed {
			p.writeErrorFrame(ctx, conn, "upstream request failed")
			return
		}
		endpoint = p.cm.BestEndpoint()
		if endpoint == "" {
			p.writeErrorFrame(ctx, conn, "no endpoint available")
			return
		}
		if err := p.relayOnce(ctx, conn, endpoint, payload); err != nil {
			log.Printf("[proxy] retry via %s failed: %v", endpoint, err)
			p.writeErrorFrame(ctx, conn, "upstream request failed")
		}
	}
}

func (p *ProxyFront) relayOnce(ctx context.Context, conn *trackedConn, endpoint string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+chatPath, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return &statusError{code: resp.StatusCode}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := conn.ws.Write(ctx, websocket.MessageText, line); err != nil {
			return err
		}
		conn.touch(time.Now(), int64(len(line)))
	}
	return scanner.Err()
}

func (p *ProxyFront) writeErrorFrame(ctx context.Context, conn *trackedConn, detail string) {
	msg := []byte(`{"type":"error","detail":"` + detail + `"}`)
	if err := conn.ws.Write(ctx, websocket.MessageText, msg); err != nil {
		log.Printf("[proxy] failed to send error frame on %s: %v", conn.id, err)
	}
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return http.StatusText(e.code)
}
