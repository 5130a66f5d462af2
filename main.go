package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudtolocalllm/relay/internal/config"
	"github.com/cloudtolocalllm/relay/internal/connection"
	"github.com/cloudtolocalllm/relay/internal/database"
	"github.com/cloudtolocalllm/relay/internal/discovery"
	"github.com/cloudtolocalllm/relay/internal/handlers"
	"github.com/cloudtolocalllm/relay/internal/logging"
	"github.com/cloudtolocalllm/relay/internal/metrics"
	"github.com/cloudtolocalllm/relay/internal/proxyfront"
	"github.com/cloudtolocalllm/relay/internal/registry"
	"github.com/cloudtolocalllm/relay/internal/relayevents"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

func main() {
	config.Load()
	logging.Init()
	defer logging.Close()

	role := config.Cfg.Role
	log.Printf("Starting relay (role=%s)", role)

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var servers []*http.Server
	var shutdowns []func()

	if role == "registry" || role == "all" {
		srv, cleanup := startRegistry()
		servers = append(servers, srv)
		shutdowns = append(shutdowns, cleanup)
	}

	if role == "proxy" || role == "all" {
		srv, cleanup := startProxy()
		servers = append(servers, srv)
		shutdowns = append(shutdowns, cleanup)
	}

	if len(servers) == 0 {
		log.Fatalf("Unknown role %q (want registry, proxy or all)", role)
	}

	for _, srv := range servers {
		srv := srv
		go func() {
			log.Printf("Server starting on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("Server error: %v", err)
			}
		}()
	}

	<-sigCtx.Done()
	log.Println("Shutting down...")

	for _, cleanup := range shutdowns {
		cleanup()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
	}
	log.Println("Server stopped")
}

// startRegistry builds the registry-side server: tunnel book-keeping,
// the discovery API and the audit-event sink backed by sqlite.
func startRegistry() (*http.Server, func()) {
	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}

	reg := registry.New(registry.Config{
		TunnelTimeout: config.Cfg.TunnelTimeout,
		SweepInterval: config.Cfg.SweepInterval,
	}, relayevents.Sink())

	if err := reg.Start(); err != nil {
		log.Fatalf("Registry start: %v", err)
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Get("/health", handlers.HealthCheck(reg))
	r.Get("/metrics", metrics.Handler())
	handlers.NewRegistryAPI(reg).Mount(r)

	srv := &http.Server{Addr: config.Cfg.ListenAddr, Handler: r}
	cleanup := func() {
		reg.Stop()
		if err := database.Close(); err != nil {
			log.Printf("Database close: %v", err)
		}
	}
	return srv, cleanup
}

// startProxy builds the proxy-side server: the discovery client polling
// the registry, the endpoint selector and the websocket front.
func startProxy() (*http.Server, func()) {
	regClient := discovery.NewHTTPRegistryClient(
		config.Cfg.RegistryURL,
		config.Cfg.UserID,
		config.Cfg.ContainerToken,
		config.Cfg.ContainerID,
	)
	regClient.Timeout = config.Cfg.DiscoveryTimeout

	dc := discovery.NewClient(discovery.Config{
		PollInterval:  config.Cfg.DiscoveryInterval,
		ProbeInterval: config.Cfg.HealthCheckInterval,
		ProbeTimeout:  config.Cfg.ProbeTimeout,
		Staleness:     config.Cfg.CacheStaleness,
	}, regClient)
	dc.Start()

	cm := connection.NewManager(dc, config.Cfg.CloudURL)
	cm.OnEndpointChange(func(old, new string) {
		log.Printf("[proxy] endpoint changed %q -> %q", old, new)
	})

	front := proxyfront.New(proxyfront.Config{
		UserID:       config.Cfg.UserID,
		IdleTimeout:  config.Cfg.IdleTimeout,
		ReapInterval: config.Cfg.ReapInterval,
	}, cm)
	front.Start()

	srv := &http.Server{Addr: config.Cfg.ProxyAddr, Handler: front.Router()}
	cleanup := func() {
		front.Stop()
		dc.Stop()
	}
	return srv, cleanup
}
