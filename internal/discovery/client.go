// Package discovery mirrors registry state into a proxy-local cache and
// independently health-probes the cached endpoints. Discovery and probe
// failures never propagate to callers; they become failure-counter state
// that heals on the next tick or a forced rediscovery.
package discovery

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cloudtolocalllm/relay/internal/metrics"
	"github.com/cloudtolocalllm/relay/internal/registry"
)

// maxFailures hides an entry from GetBestTunnel; evictFailures removes it
// from the cache outright (fail fast, independent of staleness).
const (
	maxFailures   = 3
	evictFailures = 5
)

// RegistryClient fetches the bound user's best tunnel from the registry.
type RegistryClient interface {
	Discover(ctx context.Context) (*registry.Descriptor, error)
}

// Tunnel is one cached endpoint plus local probe state.
type Tunnel struct {
	TunnelID            string    `json:"tunnelId"`
	PublicURL           string    `json:"publicUrl"`
	LocalURL            string    `json:"localUrl"`
	Healthy             bool      `json:"isHealthy"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	ResponseTimeMs      *int64    `json:"responseTimeMs"`
	DiscoveredAt        time.Time `json:"discoveredAt"`
}

// CacheStats is a point-in-time summary for status endpoints.
type CacheStats struct {
	Size        int       `json:"size"`
	Healthy     int       `json:"healthy"`
	LastPollAt  time.Time `json:"lastPollAt"`
	LastProbeAt time.Time `json:"lastProbeAt"`
}

// Config holds discovery tuning. Zero values take the production defaults.
type Config struct {
	PollInterval  time.Duration
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	Staleness     time.Duration
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 15 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.Staleness <= 0 {
		c.Staleness = 5 * time.Minute
	}
}

// Client owns its cache exclusively; one Client per proxy instance is what
// preserves per-user isolation. Start and Stop are idempotent.
type Client struct {
	cfg    Config
	reg    RegistryClient
	probes *http.Client
	now    func() time.Time

	mu          sync.Mutex
	cache       map[string]*Tunnel
	running     bool
	generation  uint64
	cancel      context.CancelFunc
	lastPollAt  time.Time
	lastProbeAt time.Time
}

func NewClient(cfg Config, reg RegistryClient) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:    cfg,
		reg:    reg,
		probes: &http.Client{Timeout: cfg.ProbeTimeout},
		now:    time.Now,
		cache:  make(map[string]*Tunnel),
	}
}

// Start launches the discovery poll and health probe timers. Each timer's
// callback runs to completion on its own goroutine before that timer's
// next tick fires; the two timers may interleave with each other.
func (c *Client) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.generation++
	gen := c.generation
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	go c.pollLoop(ctx, gen)
	go c.probeLoop(ctx, gen)
	log.Printf("[discovery] started (poll %s, probe %s)", c.cfg.PollInterval, c.cfg.ProbeInterval)
}

// Stop cancels both timers and clears the cache. Rediscovery is cheap, so
// nothing is persisted across restarts. Safe to call twice.
func (c *Client) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.generation++ // in-flight results from the old generation are discarded
	cancel := c.cancel
	c.cancel = nil
	c.cache = make(map[string]*Tunnel)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	log.Printf("[discovery] stopped, cache cleared")
}

func (c *Client) pollLoop(ctx context.Context, gen uint64) {
	// Prime the cache immediately rather than waiting a full interval.
	c.discoverOnce(ctx, gen)

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.discoverOnce(ctx, gen)
		}
	}
}

func (c *Client) probeLoop(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(c.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.probeOnce(ctx, gen)
		}
	}
}

// ForceDiscover runs one out-of-cycle discovery poll, bypassing the timer.
// Used after a connection failure to shorten recovery.
func (c *Client) ForceDiscover(ctx context.Context) {
	c.mu.Lock()
	gen := c.generation
	c.mu.Unlock()
	metrics.ForcedRediscovery.Inc()
	c.discoverOnce(ctx, gen)
}

// discoverOnce fetches the registry's view and upserts the cache. A
// transient miss leaves the cache untouched: eviction happens only via
// staleness or the failure ceiling, so a momentary registry hiccup does
// not flap the endpoint choice.
func (c *Client) discoverOnce(ctx context.Context, gen uint64) {
	metrics.DiscoveryPolls.Inc()

	d, err := c.reg.Discover(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		return // stopped or restarted while the call was in flight
	}
	c.lastPollAt = c.now()

	if err != nil {
		metrics.DiscoveryFailures.Inc()
		log.Printf("[discovery] poll failed (keeping cache): %v", err)
		c.pruneStaleLocked()
		return
	}

	entry, ok := c.cache[d.TunnelID]
	if !ok {
		entry = &Tunnel{
			TunnelID:       d.TunnelID,
			Healthy:        true,
			ResponseTimeMs: d.ResponseTimeMs,
		}
		c.cache[d.TunnelID] = entry
		log.Printf("[discovery] cached tunnel %s (%s)", d.TunnelID, d.PublicURL)
	}
	// Refresh registry-owned fields; local probe state (health, failure
	// counter, measured response time) is owned by the probe loop.
	entry.PublicURL = d.PublicURL
	entry.LocalURL = d.LocalURL
	entry.DiscoveredAt = c.now()

	c.pruneStaleLocked()
}

// probeOnce issues a short-timeout liveness probe against every cached
// endpoint. An entry reaching the failure ceiling is evicted immediately.
func (c *Client) probeOnce(ctx context.Context, gen uint64) {
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return
	}
	// Mark the sweep itself, not just per-target results, so status
	// consumers see a live prober even with an empty cache.
	c.lastProbeAt = c.now()
	targets := make([]*Tunnel, 0, len(c.cache))
	for _, t := range c.cache {
		cp := *t
		targets = append(targets, &cp)
	}
	c.mu.Unlock()

	for _, t := range targets {
		rtt, err := c.probe(ctx, t.PublicURL)

		c.mu.Lock()
		if c.generation != gen {
			c.mu.Unlock()
			return
		}
		entry, ok := c.cache[t.TunnelID]
		if !ok {
			c.mu.Unlock()
			continue
		}
		if err != nil {
			metrics.ProbeFailures.Inc()
			entry.Healthy = false
			entry.ConsecutiveFailures++
			if entry.ConsecutiveFailures >= evictFailures {
				delete(c.cache, t.TunnelID)
				metrics.CacheEvictions.Inc()
				log.Printf("[discovery] evicted tunnel %s after %d failed probes", t.TunnelID, entry.ConsecutiveFailures)
			} else {
				log.Printf("[discovery] probe failed for %s (%d/%d): %v", t.TunnelID, entry.ConsecutiveFailures, evictFailures, err)
			}
		} else {
			ms := rtt.Milliseconds()
			entry.Healthy = true
			entry.ConsecutiveFailures = 0
			entry.ResponseTimeMs = &ms
		}
		c.mu.Unlock()
	}
}

func (c *Client) probe(ctx context.Context, publicURL string) (time.Duration, error) {
	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, publicURL+"/health", nil)
	if err != nil {
		return 0, fmt.Errorf("build probe request: %w", err)
	}

	start := c.now()
	resp, err := c.probes.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return 0, fmt.Errorf("probe returned %d", resp.StatusCode)
	}
	return c.now().Sub(start), nil
}

// GetBestTunnel is a pure read: healthy entries under the failure
// threshold and inside the staleness window, lowest response time first
// (unmeasured sorts last). Returns nil when none qualify.
func (c *Client) GetBestTunnel() *Tunnel {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var best *Tunnel
	for _, t := range c.cache {
		if !t.Healthy || t.ConsecutiveFailures >= maxFailures {
			continue
		}
		if now.Sub(t.DiscoveredAt) > c.cfg.Staleness {
			continue
		}
		if best == nil || lessResponseTime(t.ResponseTimeMs, best.ResponseTimeMs) {
			best = t
		}
	}
	if best == nil {
		return nil
	}
	cp := *best
	return &cp
}

// Stats summarizes the cache for status consumers.
func (c *Client) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := CacheStats{
		Size:        len(c.cache),
		LastPollAt:  c.lastPollAt,
		LastProbeAt: c.lastProbeAt,
	}
	for _, t := range c.cache {
		if t.Healthy && t.ConsecutiveFailures < maxFailures {
			s.Healthy++
		}
	}
	return s
}

func (c *Client) pruneStaleLocked() {
	now := c.now()
	for id, t := range c.cache {
		if now.Sub(t.DiscoveredAt) > c.cfg.Staleness {
			delete(c.cache, id)
			metrics.CacheEvictions.Inc()
			log.Printf("[discovery] pruned stale tunnel %s (unrefreshed for %s)", id, now.Sub(t.DiscoveredAt).Round(time.Second))
		}
	}
}

func lessResponseTime(a, b *int64) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return *a < *b
}
