package subscriptions

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/askhive/metering/pkg/httputil"
	"github.com/askhive/metering/pkg/observability"
	"github.com/askhive/metering/pkg/plans"
)

// Handlers provides the HTTP surface for subscription lifecycle operations
type Handlers struct {
	service *Service
	logger  *observability.Logger
}

// NewHandlers creates new subscription handlers
func NewHandlers(service *Service, logger *observability.Logger) *Handlers {
	return &Handlers{service: service, logger: logger}
}

// RegisterRoutes registers subscription routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/subscriptions/{tenant_id}", h.getSubscription).Methods("GET")
	router.HandleFunc("/subscriptions/{tenant_id}/plan", h.switchPlan).Methods("POST")
	router.HandleFunc("/subscriptions/{tenant_id}/cancel", h.cancel).Methods("POST")
}

func (h *Handlers) getSubscription(w http.ResponseWriter, r *http.Request) {
	tenantID, err := httputil.PathInt64(r, "tenant_id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	sub, err := h.service.GetByTenant(r.Context(), tenantID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	httputil.WriteSuccess(w, sub)
}

// SwitchPlanRequest is the body of POST /subscriptions/{tenant_id}/plan
type SwitchPlanRequest struct {
	PlanID       int64              `json:"plan_id"`
	BillingCycle plans.BillingCycle `json:"billing_cycle"`
}

func (h *Handlers) switchPlan(w http.ResponseWriter, r *http.Request) {
	tenantID, err := httputil.PathInt64(r, "tenant_id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	var req SwitchPlanRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	sub, err := h.service.GetByTenant(r.Context(), tenantID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	result, err := h.service.SwitchPlan(r.Context(), sub.ID, req.PlanID, req.BillingCycle)
	if err != nil {
		h.writeError(w, err)
		return
	}

	httputil.WriteSuccess(w, result)
}

// CancelRequest is the body of POST /subscriptions/{tenant_id}/cancel
type CancelRequest struct {
	Immediately bool `json:"immediately"`
}

func (h *Handlers) cancel(w http.ResponseWriter, r *http.Request) {
	tenantID, err := httputil.PathInt64(r, "tenant_id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	var req CancelRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	sub, err := h.service.Cancel(r.Context(), tenantID, req.Immediately)
	if err != nil {
		h.writeError(w, err)
		return
	}

	httputil.WriteSuccess(w, sub)
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	var invalid *InvalidStateError
	switch {
	case IsNotFound(err) || plans.IsNotFound(err):
		httputil.WriteNotFound(w, err.Error())
	case errors.As(err, &invalid):
		httputil.WriteReasonError(w, http.StatusBadRequest, invalid.Message, invalid.Reason)
	case IsForbidden(err):
		httputil.WriteForbidden(w, err.Error())
	case errors.Is(err, ErrVersionConflict):
		httputil.WriteConflict(w, "subscription was modified concurrently, retry")
	default:
		h.logger.WithError(err).Error("subscription request failed")
		httputil.WriteInternalError(w, err)
	}
}
