package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/cloudtolocalllm/relay/internal/auth"
	"github.com/cloudtolocalllm/relay/internal/database"
	"github.com/cloudtolocalllm/relay/internal/middleware"
	"github.com/cloudtolocalllm/relay/internal/registry"
	"github.com/go-chi/chi/v5"
)

// RegistryAPI exposes the tunnel registry over HTTP.
type RegistryAPI struct {
	reg *registry.Registry
}

func NewRegistryAPI(reg *registry.Registry) *RegistryAPI {
	return &RegistryAPI{reg: reg}
}

// Mount attaches the tunnel routes under /api/tunnels. All routes require
// a decodable bearer token; ownership checks happen in the registry.
func (a *RegistryAPI) Mount(r chi.Router) {
	r.Route("/api/tunnels", func(r chi.Router) {
		r.Use(middleware.RequireToken)

		r.Post("/register", a.register)
		r.Get("/discover/{userId}", a.discover)
		r.Post("/{tunnelId}/heartbeat", a.heartbeat)
		r.Delete("/{tunnelId}", a.unregister)
		r.Get("/events", a.events)
	})
}

type registerRequest struct {
	TunnelInfo registry.TunnelInfo `json:"tunnelInfo"`
}

func (a *RegistryAPI) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	userID := middleware.GetSubject(r)
	id, err := a.reg.Register(userID, req.TunnelInfo, auth.FromRequest(r))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "tunnelId": id})
}

func (a *RegistryAPI) discover(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")

	d, err := a.reg.Discover(userID, auth.FromRequest(r))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data": map[string]interface{}{
			"available":  true,
			"tunnelInfo": d,
		},
	})
}

func (a *RegistryAPI) heartbeat(w http.ResponseWriter, r *http.Request) {
	tunnelID := chi.URLParam(r, "tunnelId")

	// The status body is optional; an empty body is a bare keepalive.
	var status *registry.HeartbeatStatus
	if r.Body != nil && r.ContentLength != 0 {
		status = &registry.HeartbeatStatus{}
		if err := json.NewDecoder(r.Body).Decode(status); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON body")
			return
		}
	}

	if err := a.reg.Heartbeat(tunnelID, auth.FromRequest(r), status); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (a *RegistryAPI) unregister(w http.ResponseWriter, r *http.Request) {
	tunnelID := chi.URLParam(r, "tunnelId")

	if err := a.reg.Unregister(tunnelID, auth.FromRequest(r)); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (a *RegistryAPI) events(w http.ResponseWriter, r *http.Request) {
	if database.DB == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "events": []database.TunnelEvent{}})
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := database.RecentTunnelEvents(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "events": events})
}

// HealthCheck reports registry liveness. Always HTTP 200; degraded state
// is carried in fields so monitors can poll unconditionally.
func HealthCheck(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbStatus := "disconnected"
		if database.DB != nil {
			sqlDB, err := database.DB.DB()
			if err == nil && sqlDB.Ping() == nil {
				dbStatus = "connected"
			}
		}

		users, tunnels := reg.Stats()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":   "healthy",
			"database": dbStatus,
			"users":    users,
			"tunnels":  tunnels,
		})
	}
}
