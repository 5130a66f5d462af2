// Package publisher runs on the desktop side: it announces the local
// tunnel endpoint to the registry, keeps it alive with heartbeats and
// re-registers after registry restarts or network loss.
package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cloudtolocalllm/relay/internal/apperr"
	"github.com/cloudtolocalllm/relay/internal/logutil"
	"github.com/cloudtolocalllm/relay/internal/registry"
)

// Backoff bounds for register retries. Vars so tests can shrink them.
var (
	backoffMin = 2 * time.Second
	backoffMax = 2 * time.Minute
)

type Config struct {
	// RegistryURL is the base URL of the tunnel registry.
	RegistryURL string
	// Token is the desktop client's bearer token; its subject becomes
	// the tunnel's owner.
	Token string
	// Tunnel is the endpoint to publish.
	Tunnel registry.TunnelInfo
	// HeartbeatInterval defaults to one minute, comfortably inside the
	// registry's liveness window.
	HeartbeatInterval time.Duration
	// Status, when set, is called before each heartbeat to attach a
	// local health self-report.
	Status func() *registry.HeartbeatStatus
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Minute
	}
}

type Publisher struct {
	cfg   Config
	httpc *http.Client

	mu       sync.Mutex
	tunnelID string
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
}

func New(cfg Config) *Publisher {
	cfg.applyDefaults()
	return &Publisher{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
	}
}

// TunnelID returns the registry-assigned id, empty until the first
// successful register.
func (p *Publisher) TunnelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tunnelID
}

// Start launches the publish loop. Idempotent while running.
func (p *Publisher) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx)
}

// Stop halts the loop and best-effort unregisters the tunnel so peers
// stop discovering a dead endpoint.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	done := p.done
	p.mu.Unlock()

	cancel()
	<-done

	ctx, cancelUnreg := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelUnreg()
	if err := p.unregister(ctx); err != nil {
		log.Printf("[publisher] unregister on stop: %v", err)
	}
}

func (p *Publisher) run(ctx context.Context) {
	defer close(p.done)

	if !p.registerWithBackoff(ctx) {
		return
	}

	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.heartbeat(ctx)
			switch {
			case err == nil:
			case errors.Is(err, apperr.ErrNotFound):
				// Registry forgot us (restart or eviction); publish again.
				log.Printf("[publisher] tunnel unknown to registry, re-registering")
				if !p.registerWithBackoff(ctx) {
					return
				}
			default:
				log.Printf("[publisher] heartbeat: %v", err)
			}
		}
	}
}

// registerWithBackoff retries until registered or the context ends.
// Returns false only on shutdown.
func (p *Publisher) registerWithBackoff(ctx context.Context) bool {
	delay := backoffMin
	for {
		err := p.register(ctx)
		if err == nil {
			return true
		}
		log.Printf("[publisher] register: %v (retry in %s)", err, delay)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
		delay *= 2
		if delay > backoffMax {
			delay = backoffMax
		}
	}
}

func (p *Publisher) register(ctx context.Context) error {
	info := p.cfg.Tunnel
	p.mu.Lock()
	info.TunnelID = p.tunnelID
	p.mu.Unlock()

	body, err := json.Marshal(map[string]registry.TunnelInfo{"tunnelInfo": info})
	if err != nil {
		return err
	}
	req, err := p.newRequest(ctx, http.MethodPost, "/api/tunnels/register", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp.StatusCode); err != nil {
		return err
	}

	var out struct {
		Success  bool   `json:"success"`
		TunnelID string `json:"tunnelId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode register response: %w", err)
	}
	if !out.Success || out.TunnelID == "" {
		return fmt.Errorf("register rejected: %w", apperr.ErrValidation)
	}

	p.mu.Lock()
	p.tunnelID = out.TunnelID
	p.mu.Unlock()
	log.Printf("[publisher] registered tunnel %s -> %s", out.TunnelID, logutil.SanitizeForLog(info.PublicURL))
	return nil
}

func (p *Publisher) heartbeat(ctx context.Context) error {
	id := p.TunnelID()
	if id == "" {
		return fmt.Errorf("no tunnel registered: %w", apperr.ErrNotFound)
	}

	var body *bytes.Reader
	if p.cfg.Status != nil {
		if status := p.cfg.Status(); status != nil {
			raw, err := json.Marshal(status)
			if err != nil {
				return err
			}
			body = bytes.NewReader(raw)
		}
	}
	if body == nil {
		body = bytes.NewReader(nil)
	}

	req, err := p.newRequest(ctx, http.MethodPost, "/api/tunnels/"+id+"/heartbeat", body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp.StatusCode)
}

func (p *Publisher) unregister(ctx context.Context) error {
	id := p.TunnelID()
	if id == "" {
		return nil
	}
	req, err := p.newRequest(ctx, http.MethodDelete, "/api/tunnels/"+id, bytes.NewReader(nil))
	if err != nil {
		return err
	}
	resp, err := p.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp.StatusCode)
}

func (p *Publisher) newRequest(ctx context.Context, method, path string, body *bytes.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, p.cfg.RegistryURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	return req, nil
}

func checkStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("registry returned %d: %w", code, apperr.ErrAuthentication)
	case code == http.StatusNotFound:
		return fmt.Errorf("registry returned %d: %w", code, apperr.ErrNotFound)
	default:
		return fmt.Errorf("registry returned %d: %w", code, apperr.ErrUnavailable)
	}
}
