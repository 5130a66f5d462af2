// Package registry is the authoritative store of tunnel descriptors
// published by desktop clients. Descriptors are kept alive by heartbeats
// and removed by explicit unregister, the heartbeat-timeout sweep, or the
// failure-ceiling sweep.
package registry

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cloudtolocalllm/relay/internal/apperr"
	"github.com/cloudtolocalllm/relay/internal/auth"
	"github.com/cloudtolocalllm/relay/internal/logutil"
	"github.com/cloudtolocalllm/relay/internal/metrics"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Descriptor failure thresholds. discoverMaxFailures hides a tunnel from
// discovery; evictFailures removes it entirely on the next sweep.
const (
	discoverMaxFailures = 3
	evictFailures       = 5
)

// TunnelInfo is the registration payload sent by a desktop client. A
// non-empty TunnelID re-registers an existing tunnel in place.
type TunnelInfo struct {
	TunnelID   string `json:"tunnelId,omitempty"`
	PublicURL  string `json:"publicUrl"`
	LocalURL   string `json:"localUrl"`
	ShareToken string `json:"shareToken"`
}

// Descriptor is one live tunnel endpoint. The share token is never
// serialized or logged.
type Descriptor struct {
	TunnelID            string    `json:"tunnelId"`
	OwnerUserID         string    `json:"ownerUserId"`
	PublicURL           string    `json:"publicUrl"`
	LocalURL            string    `json:"localUrl"`
	ShareToken          string    `json:"-"`
	RegisteredAt        time.Time `json:"registeredAt"`
	LastHeartbeatAt     time.Time `json:"lastHeartbeatAt"`
	Healthy             bool      `json:"isHealthy"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	ResponseTimeMs      *int64    `json:"responseTimeMs"`
}

// HeartbeatStatus is the optional self-reported liveness a desktop client
// attaches to a heartbeat. The client measures its local model endpoint
// and reports the round trip so discovery can rank tunnels.
type HeartbeatStatus struct {
	Healthy        *bool  `json:"isHealthy,omitempty"`
	ResponseTimeMs *int64 `json:"responseTimeMs,omitempty"`
}

// Event is an audit record emitted on every descriptor lifecycle change.
type Event struct {
	TunnelID   string
	UserID     string
	Kind       string // registered, heartbeat_evicted, failure_evicted, unregistered
	PublicURL  string
	ShareToken string
	Detail     string
}

// EventSink receives lifecycle events. Sinks must not block; the registry
// calls them while holding no locks but on the request path.
type EventSink func(Event)

// Config holds registry tuning.
type Config struct {
	TunnelTimeout time.Duration
	SweepInterval time.Duration
}

// Registry is safe for concurrent use. A single mutex guards both maps,
// which makes every per-tunnelId update atomic.
type Registry struct {
	cfg  Config
	sink EventSink
	now  func() time.Time

	mu     sync.RWMutex
	byUser map[string]map[string]*Descriptor
	byID   map[string]*Descriptor

	cron *cron.Cron
}

func New(cfg Config, sink EventSink) *Registry {
	if cfg.TunnelTimeout <= 0 {
		cfg.TunnelTimeout = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Registry{
		cfg:    cfg,
		sink:   sink,
		now:    time.Now,
		byUser: make(map[string]map[string]*Descriptor),
		byID:   make(map[string]*Descriptor),
	}
}

// Register creates or replaces a descriptor owned by userID. The token's
// subject must equal userID. Returns the tunnel ID.
func (r *Registry) Register(userID string, info TunnelInfo, token string) (string, error) {
	if err := auth.VerifySubject(token, userID); err != nil {
		return "", err
	}
	if info.PublicURL == "" {
		return "", fmt.Errorf("publicUrl is required: %w", apperr.ErrValidation)
	}

	now := r.now()

	r.mu.Lock()
	id := info.TunnelID
	if id != "" {
		if existing, ok := r.byID[id]; ok && existing.OwnerUserID != userID {
			r.mu.Unlock()
			return "", fmt.Errorf("tunnel %s owned by another user: %w", id, apperr.ErrAuthentication)
		}
	} else {
		id = uuid.New().String()
	}

	d := &Descriptor{
		TunnelID:            id,
		OwnerUserID:         userID,
		PublicURL:           info.PublicURL,
		LocalURL:            info.LocalURL,
		ShareToken:          info.ShareToken,
		RegisteredAt:        now,
		LastHeartbeatAt:     now,
		Healthy:             true,
		ConsecutiveFailures: 0,
	}

	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]*Descriptor)
	}
	r.byUser[userID][id] = d
	r.byID[id] = d
	total := len(r.byID)
	r.mu.Unlock()

	metrics.TunnelsRegistered.Inc()
	metrics.TunnelsActive.Set(float64(total))
	log.Printf("[registry] registered tunnel %s for user %s (url=%s, token=%s)",
		id, logutil.SanitizeForLog(userID), logutil.SanitizeForLog(info.PublicURL), logutil.Mask(info.ShareToken))
	r.emit(Event{TunnelID: id, UserID: userID, Kind: "registered", PublicURL: info.PublicURL, ShareToken: info.ShareToken})
	return id, nil
}

// Heartbeat refreshes a descriptor's liveness. The optional status carries
// the client's self-measured health, which is the only probe signal the
// registry receives: a healthy report resets the failure counter, an
// unhealthy one increments it.
func (r *Registry) Heartbeat(tunnelID, token string, status *HeartbeatStatus) error {
	r.mu.Lock()
	d, ok := r.byID[tunnelID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("tunnel %s: %w", tunnelID, apperr.ErrNotFound)
	}
	owner := d.OwnerUserID
	r.mu.Unlock()

	if err := auth.VerifySubject(token, owner); err != nil {
		return err
	}

	r.mu.Lock()
	// Re-check: the sweep may have run between unlock and relock.
	d, ok = r.byID[tunnelID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("tunnel %s: %w", tunnelID, apperr.ErrNotFound)
	}
	d.LastHeartbeatAt = r.now()
	if status != nil {
		if status.ResponseTimeMs != nil {
			v := *status.ResponseTimeMs
			d.ResponseTimeMs = &v
		}
		if status.Healthy != nil {
			if *status.Healthy {
				d.Healthy = true
				d.ConsecutiveFailures = 0
			} else {
				d.Healthy = false
				d.ConsecutiveFailures++
			}
		}
	}
	r.mu.Unlock()

	metrics.HeartbeatsTotal.Inc()
	return nil
}

// Discover returns the best qualifying descriptor for userID: healthy,
// under the failure threshold, lowest response time (unmeasured sorts
// last). The token's subject must equal userID.
func (r *Registry) Discover(userID, token string) (*Descriptor, error) {
	if err := auth.VerifySubject(token, userID); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Descriptor
	for _, d := range r.byUser[userID] {
		if !d.Healthy || d.ConsecutiveFailures >= discoverMaxFailures {
			continue
		}
		if best == nil || lessResponseTime(d.ResponseTimeMs, best.ResponseTimeMs) {
			best = d
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no healthy tunnel for user %s: %w", userID, apperr.ErrUnavailable)
	}

	cp := *best
	return &cp, nil
}

// Unregister removes a descriptor. Removing an absent tunnel is a no-op;
// removing someone else's tunnel is an authentication error.
func (r *Registry) Unregister(tunnelID, token string) error {
	r.mu.Lock()
	d, ok := r.byID[tunnelID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	owner := d.OwnerUserID
	r.mu.Unlock()

	if err := auth.VerifySubject(token, owner); err != nil {
		return err
	}

	r.mu.Lock()
	d, ok = r.byID[tunnelID]
	if ok {
		r.removeLocked(d)
	}
	total := len(r.byID)
	r.mu.Unlock()

	if ok {
		metrics.TunnelsActive.Set(float64(total))
		log.Printf("[registry] unregistered tunnel %s", tunnelID)
		r.emit(Event{TunnelID: tunnelID, UserID: owner, Kind: "unregistered", PublicURL: d.PublicURL})
	}
	return nil
}

// Stats reports the current store size for health endpoints.
func (r *Registry) Stats() (users, tunnels int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser), len(r.byID)
}

// Start schedules the background sweep. Stop cancels it.
func (r *Registry) Start() error {
	if r.cron != nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", r.cfg.SweepInterval), r.sweepOnce); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	c.Start()
	r.cron = c
	log.Printf("[registry] sweep scheduled every %s (timeout %s)", r.cfg.SweepInterval, r.cfg.TunnelTimeout)
	return nil
}

func (r *Registry) Stop() {
	if r.cron != nil {
		r.cron.Stop()
		r.cron = nil
	}
}

// sweepOnce evicts descriptors whose heartbeat age exceeds the tunnel
// timeout and descriptors at the failure ceiling.
func (r *Registry) sweepOnce() {
	now := r.now()

	r.mu.Lock()
	var evicted []Event
	for id, d := range r.byID {
		switch {
		case now.Sub(d.LastHeartbeatAt) > r.cfg.TunnelTimeout:
			r.removeLocked(d)
			evicted = append(evicted, Event{
				TunnelID: id, UserID: d.OwnerUserID, Kind: "heartbeat_evicted", PublicURL: d.PublicURL,
				Detail: fmt.Sprintf("heartbeat age %s", now.Sub(d.LastHeartbeatAt).Round(time.Second)),
			})
		case d.ConsecutiveFailures >= evictFailures:
			r.removeLocked(d)
			evicted = append(evicted, Event{
				TunnelID: id, UserID: d.OwnerUserID, Kind: "failure_evicted", PublicURL: d.PublicURL,
				Detail: fmt.Sprintf("%d consecutive failures", d.ConsecutiveFailures),
			})
		}
	}
	total := len(r.byID)
	r.mu.Unlock()

	if len(evicted) == 0 {
		return
	}

	metrics.TunnelsActive.Set(float64(total))
	for _, ev := range evicted {
		metrics.TunnelsEvicted.Inc()
		log.Printf("[registry] evicted tunnel %s (%s: %s)", ev.TunnelID, ev.Kind, ev.Detail)
		r.emit(ev)
	}
}

func (r *Registry) removeLocked(d *Descriptor) {
	delete(r.byID, d.TunnelID)
	if set := r.byUser[d.OwnerUserID]; set != nil {
		delete(set, d.TunnelID)
		if len(set) == 0 {
			delete(r.byUser, d.OwnerUserID)
		}
	}
}

func (r *Registry) emit(ev Event) {
	if r.sink != nil {
		r.sink(ev)
	}
}

// lessResponseTime orders response times ascending with nil last.
func lessResponseTime(a, b *int64) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return *a < *b
}
