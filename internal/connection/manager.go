// Package connection selects the active upstream endpoint for a proxy
// instance: a discovered tunnel when one qualifies, otherwise the
// statically configured cloud fallback.
package connection

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/cloudtolocalllm/relay/internal/apperr"
	"github.com/cloudtolocalllm/relay/internal/discovery"
	"github.com/cloudtolocalllm/relay/internal/metrics"
)

type Mode string

const (
	ModeAuto       Mode = "auto"
	ModeTunnelOnly Mode = "tunnel-only"
	ModeCloudOnly  Mode = "cloud-only"
)

// TunnelSource is the slice of the discovery client the manager needs.
type TunnelSource interface {
	GetBestTunnel() *discovery.Tunnel
	ForceDiscover(ctx context.Context)
	Stats() discovery.CacheStats
}

// Status is the snapshot served by the proxy's /status endpoint.
type Status struct {
	Mode            Mode                 `json:"mode"`
	CurrentEndpoint string               `json:"currentEndpoint"`
	TunnelAvailable bool                 `json:"tunnelAvailable"`
	ChosenTunnel    *discovery.Tunnel    `json:"chosenTunnel"`
	CacheStats      discovery.CacheStats `json:"cacheStats"`
}

// Manager holds the selection mode and the last chosen endpoint. The mode
// changes only through SetMode, never implicitly.
type Manager struct {
	src      TunnelSource
	cloudURL string

	mu              sync.Mutex
	mode            Mode
	currentEndpoint string

	// onChange, when set, fires after the chosen endpoint changes.
	onChange func(old, new string)
}

func NewManager(src TunnelSource, cloudURL string) *Manager {
	return &Manager{src: src, cloudURL: cloudURL, mode: ModeAuto}
}

// OnEndpointChange registers a callback fired outside the manager's lock
// whenever BestEndpoint lands on a different endpoint than last time.
func (m *Manager) OnEndpointChange(fn func(old, new string)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// SetMode switches the selection mode. An unknown mode fails validation
// and leaves the prior mode unchanged.
func (m *Manager) SetMode(mode Mode) error {
	switch mode {
	case ModeAuto, ModeTunnelOnly, ModeCloudOnly:
	default:
		return fmt.Errorf("unknown mode %q: %w", mode, apperr.ErrValidation)
	}

	m.mu.Lock()
	m.mode = mode
	m.mu.Unlock()
	log.Printf("[connection] mode set to %s", mode)
	return nil
}

// Mode returns the current selection mode.
func (m *Manager) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// BestEndpoint picks the endpoint for the current mode and records it as
// currentEndpoint for observability. Empty string means nothing qualifies
// (only possible in tunnel-only mode, or when no cloud URL is configured).
func (m *Manager) BestEndpoint() string {
	tunnel := m.src.GetBestTunnel()

	m.mu.Lock()
	var endpoint string
	switch m.mode {
	case ModeTunnelOnly:
		if tunnel != nil {
			endpoint = tunnel.PublicURL
		}
	case ModeCloudOnly:
		endpoint = m.cloudURL
	default: // auto: prefer a qualifying tunnel, else the cloud
		if tunnel != nil {
			endpoint = tunnel.PublicURL
		} else {
			endpoint = m.cloudURL
		}
	}
	old := m.currentEndpoint
	m.currentEndpoint = endpoint
	fn := m.onChange
	m.mu.Unlock()

	if old != endpoint {
		metrics.EndpointSwitches.Inc()
		log.Printf("[connection] endpoint changed: %q -> %q", old, endpoint)
		if fn != nil {
			fn(old, endpoint)
		}
	}
	return endpoint
}

// HandleConnectionFailure forces an out-of-cycle rediscovery, recomputes
// the endpoint, and reports whether it actually changed. Callers retry
// immediately on true and back off on false.
func (m *Manager) HandleConnectionFailure(ctx context.Context) bool {
	m.mu.Lock()
	prev := m.currentEndpoint
	m.mu.Unlock()

	m.src.ForceDiscover(ctx)
	next := m.BestEndpoint()

	changed := next != prev
	log.Printf("[connection] failure handled: endpoint %q -> %q (changed=%v)", prev, next, changed)
	return changed
}

// GetStatus snapshots the manager and its discovery cache.
func (m *Manager) GetStatus() Status {
	tunnel := m.src.GetBestTunnel()

	m.mu.Lock()
	st := Status{
		Mode:            m.mode,
		CurrentEndpoint: m.currentEndpoint,
		TunnelAvailable: tunnel != nil,
		ChosenTunnel:    tunnel,
	}
	m.mu.Unlock()

	st.CacheStats = m.src.Stats()
	return st
}
