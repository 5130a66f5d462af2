package metrics

import (
	"net/http"

	"github.com/VictoriaMetrics/metrics"
)

var (
	// Registry metrics
	TunnelsRegistered = metrics.NewCounter(`relay_tunnels_registered_total`)
	TunnelsEvicted    = metrics.NewCounter(`relay_tunnels_evicted_total`)
	TunnelsActive     = metrics.NewGauge(`relay_tunnels_active`, nil)
	HeartbeatsTotal   = metrics.NewCounter(`relay_heartbeats_total`)

	// Discovery metrics
	DiscoveryPolls     = metrics.NewCounter(`relay_discovery_polls_total`)
	DiscoveryFailures  = metrics.NewCounter(`relay_discovery_failures_total`)
	ProbeFailures      = metrics.NewCounter(`relay_probe_failures_total`)
	CacheEvictions     = metrics.NewCounter(`relay_cache_evictions_total`)
	ForcedRediscovery  = metrics.NewCounter(`relay_forced_rediscovery_total`)
	EndpointSwitches   = metrics.NewCounter(`relay_endpoint_switches_total`)

	// Proxy metrics
	SessionsActive  = metrics.NewGauge(`relay_sessions_active`, nil)
	SessionsOpened  = metrics.NewCounter(`relay_sessions_opened_total`)
	SessionsReaped  = metrics.NewCounter(`relay_sessions_reaped_total`)
	BytesProxied    = metrics.NewCounter(`relay_bytes_proxied_total`)
	AuthFailures    = metrics.NewCounter(`relay_auth_failures_total`)
)

// Handler returns the handler that serves all registered metrics in
// Prometheus exposition format.
func Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	}
}
