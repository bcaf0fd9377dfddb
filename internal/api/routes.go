package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"offline-sync-engine/internal/config"
	"offline-sync-engine/internal/store"
	"offline-sync-engine/internal/sync"
)

type Handler struct {
	cfg     config.ServerConfig
	engine  *sync.Engine
	store   store.Store
	monitor *sync.ManualMonitor
}

func NewHandler(cfg config.ServerConfig, engine *sync.Engine, st store.Store, monitor *sync.ManualMonitor) *Handler {
	return &Handler{
		cfg:     cfg,
		engine:  engine,
		store:   st,
		monitor: monitor,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(CorsMiddleware)

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(h.cfg.AuthToken))

		r.Get("/status", h.GetEngineStatus)
		r.Put("/network", h.SetNetworkStatus)

		r.Post("/operations", h.EnqueueOperation)
		r.Get("/operations/{id}", h.GetOperation)
		r.Post("/operations/{id}/cancel", h.CancelOperation)

		r.Get("/devices/{deviceID}/operations", h.ListPendingOperations)
		r.Get("/devices/{deviceID}/session", h.GetSession)
		r.Post("/devices/{deviceID}/session/end", h.EndSession)

		r.Get("/conflicts", h.ListConflicts)
		r.Get("/conflicts/{id}", h.GetConflict)
		r.Post("/conflicts/{id}/resolve", h.ResolveConflict)

		r.Get("/cache-policies", h.ListCachePolicies)
		r.Post("/cache-policies", h.CreateCachePolicy)
		r.Get("/cache-policies/{id}", h.GetCachePolicy)
		r.Put("/cache-policies/{id}", h.UpdateCachePolicy)
		r.Delete("/cache-policies/{id}", h.DeleteCachePolicy)
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) GetEngineStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": h.engine.GetStatus(),
		"online": h.engine.Online(),
	})
}

func (h *Handler) SetNetworkStatus(w http.ResponseWriter, r *http.Request) {
	var status sync.NetworkStatus
	if err := json.NewDecoder(r.Body).Decode(&status); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.monitor.Set(status)
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) EnqueueOperation(w http.ResponseWriter, r *http.Request) {
	var op sync.Operation
	if err := json.NewDecoder(r.Body).Decode(&op); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	entry, err := h.engine.Queue().Enqueue(r.Context(), op)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, entry)
}

func (h *Handler) GetOperation(w http.ResponseWriter, r *http.Request) {
	entry, err := h.store.GetQueueEntry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if entry == nil {
		http.Error(w, "operation not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) CancelOperation(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Queue().Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (h *Handler) ListPendingOperations(w http.ResponseWriter, r *http.Request) {
	entries, err := h.store.FindPendingOperations(r.Context(), chi.URLParam(r, "deviceID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.engine.Sessions().ActiveSession(r.Context(), chi.URLParam(r, "deviceID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if sess == nil {
		http.Error(w, "no active session", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.engine.Sessions().EndSession(r.Context(), chi.URLParam(r, "deviceID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if sess == nil {
		http.Error(w, "no active session", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	status := store.ConflictStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = store.ConflictPendingManual
	}
	conflicts, err := h.store.FindConflictsByStatus(r.Context(), status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conflicts)
}

func (h *Handler) GetConflict(w http.ResponseWriter, r *http.Request) {
	conflict, err := h.store.GetConflict(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if conflict == nil {
		http.Error(w, "conflict not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, conflict)
}

type resolveRequest struct {
	Strategy   string          `json:"strategy"`
	Data       json.RawMessage `json:"data,omitempty"`
	ResolvedBy string          `json:"resolvedBy,omitempty"`
}

func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	strategy, err := store.ParseResolutionStrategy(req.Strategy)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ResolvedBy == "" {
		req.ResolvedBy = "operator"
	}

	conflict, err := h.engine.Resolver().Resolve(r.Context(), chi.URLParam(r, "id"), strategy, req.Data, req.ResolvedBy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conflict)
}

func (h *Handler) ListCachePolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := h.store.ListCachePolicies(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, policies)
}

type cachePolicyRequest struct {
	Scope           store.CacheScope      `json:"scope"`
	MaxCacheSizeMB  int                   `json:"maxCacheSizeMB"`
	DefaultTTL      string                `json:"defaultTTL"`
	RefreshStrategy store.RefreshStrategy `json:"refreshStrategy"`
	EvictionPolicy  store.EvictionPolicy  `json:"evictionPolicy"`
}

func (h *Handler) CreateCachePolicy(w http.ResponseWriter, r *http.Request) {
	var req cachePolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ttl, _ := time.ParseDuration(req.DefaultTTL)
	now := time.Now().UTC()
	policy := &store.CachePolicy{
		ID:              newPolicyID(),
		Scope:           req.Scope,
		MaxCacheSizeMB:  req.MaxCacheSizeMB,
		DefaultTTL:      ttl,
		RefreshStrategy: req.RefreshStrategy,
		EvictionPolicy:  req.EvictionPolicy,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := h.store.CreateCachePolicy(r.Context(), policy); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, policy)
}

func (h *Handler) GetCachePolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := h.store.GetCachePolicy(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if policy == nil {
		http.Error(w, "cache policy not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

func (h *Handler) UpdateCachePolicy(w http.ResponseWriter, r *http.Request) {
	existing, err := h.store.GetCachePolicy(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if existing == nil {
		http.Error(w, "cache policy not found", http.StatusNotFound)
		return
	}

	var req cachePolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ttl, _ := time.ParseDuration(req.DefaultTTL)
	existing.Scope = req.Scope
	existing.MaxCacheSizeMB = req.MaxCacheSizeMB
	existing.DefaultTTL = ttl
	existing.RefreshStrategy = req.RefreshStrategy
	existing.EvictionPolicy = req.EvictionPolicy
	if err := h.store.UpdateCachePolicy(r.Context(), existing); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, existing)
}

func (h *Handler) DeleteCachePolicy(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteCachePolicy(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func newPolicyID() string {
	return uuid.New().String()
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, sync.ErrInvalidPayload):
		code = http.StatusBadRequest
	case errors.Is(err, sync.ErrInvalidTransition), errors.Is(err, sync.ErrSessionHasPending):
		code = http.StatusConflict
	case errors.Is(err, sync.ErrResolutionRequired):
		code = http.StatusUnprocessableEntity
	}
	http.Error(w, err.Error(), code)
}

func CorsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-CSRF-Token")

		if r.Method == "OPTIONS" {
			return
		}

		next.ServeHTTP(w, r)
	})
}

// AuthMiddleware checks the bearer token when one is configured.
func AuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
