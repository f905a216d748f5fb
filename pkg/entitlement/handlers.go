package entitlement

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/askhive/metering/pkg/httputil"
	"github.com/askhive/metering/pkg/observability"
	"github.com/askhive/metering/pkg/plans"
)

// Handlers exposes the synchronous entitlement check endpoint
type Handlers struct {
	service *Service
	logger  *observability.Logger
}

// NewHandlers creates new entitlement handlers
func NewHandlers(service *Service, logger *observability.Logger) *Handlers {
	return &Handlers{service: service, logger: logger}
}

// RegisterRoutes registers entitlement routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/entitlement/{tenant_id}/{resource_type}", h.check).Methods("GET")
}

func (h *Handlers) check(w http.ResponseWriter, r *http.Request) {
	tenantID, err := httputil.PathInt64(r, "tenant_id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	resource, err := plans.ParseResourceType(mux.Vars(r)["resource_type"])
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	decision, err := h.service.Check(r.Context(), tenantID, resource)
	if err != nil {
		h.logger.WithError(err).WithField("tenant_id", tenantID).Error("entitlement check failed")
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, decision)
}
