package plans

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/askhive/metering/pkg/httputil"
)

// Handlers provides the admin HTTP surface for the plan catalog
type Handlers struct {
	store *PostgresStore
	cache *CachedCatalog
}

// NewHandlers creates new plan catalog handlers
func NewHandlers(store *PostgresStore, cache *CachedCatalog) *Handlers {
	return &Handlers{store: store, cache: cache}
}

// RegisterRoutes registers plan catalog routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/plans", h.listPlans).Methods("GET")
	router.HandleFunc("/plans", h.createPlan).Methods("POST")
	router.HandleFunc("/plans/{id}", h.getPlan).Methods("GET")
	router.HandleFunc("/plans/{id}", h.updatePlan).Methods("PATCH")
	router.HandleFunc("/plans/{id}", h.deactivatePlan).Methods("DELETE")
}

func (h *Handlers) listPlans(w http.ResponseWriter, r *http.Request) {
	result, err := h.store.ListActive(r.Context())
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"plans": result,
		"count": len(result),
	})
}

func (h *Handlers) createPlan(w http.ResponseWriter, r *http.Request) {
	var req CreatePlanRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	if err := req.Validate(); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	plan, err := h.store.CreatePlan(r.Context(), &req)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteCreated(w, plan)
}

func (h *Handlers) getPlan(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.PathInt64(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	plan, err := h.store.GetPlan(r.Context(), id)
	if err != nil {
		if IsNotFound(err) {
			httputil.WriteNotFound(w, err.Error())
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, plan)
}

func (h *Handlers) updatePlan(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.PathInt64(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	var req UpdatePlanRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	plan, err := h.store.UpdatePlan(r.Context(), id, &req)
	if err != nil {
		if IsNotFound(err) {
			httputil.WriteNotFound(w, err.Error())
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	if h.cache != nil {
		h.cache.Invalidate(plan.ID, plan.Name)
	}

	httputil.WriteSuccess(w, plan)
}

func (h *Handlers) deactivatePlan(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.PathInt64(r, "id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	if err := h.store.DeactivatePlan(r.Context(), id); err != nil {
		if IsNotFound(err) {
			httputil.WriteNotFound(w, err.Error())
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	if h.cache != nil {
		h.cache.Invalidate(id, "")
	}

	httputil.WriteNoContent(w)
}
