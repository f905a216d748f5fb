package payments

import (
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/askhive/metering/pkg/httputil"
	"github.com/askhive/metering/pkg/observability"
	"github.com/askhive/metering/pkg/subscriptions"
)

// SignatureHeader carries the provider's HMAC over the raw webhook body
const SignatureHeader = "X-Provider-Signature"

const maxWebhookBody = 256 * 1024

// Handlers provides the HTTP surface for payment flows
type Handlers struct {
	service *Service
	logger  *observability.Logger
}

// NewHandlers creates new payment handlers
func NewHandlers(service *Service, logger *observability.Logger) *Handlers {
	return &Handlers{service: service, logger: logger}
}

// RegisterRoutes registers payment routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/payments/initialize", h.initialize).Methods("POST")
	router.HandleFunc("/payments/verify", h.verify).Methods("POST")
	router.HandleFunc("/payments/record", h.record).Methods("POST")
	router.HandleFunc("/payments/{tenant_id:[0-9]+}", h.history).Methods("GET")
	router.HandleFunc("/webhooks/payment", h.webhook).Methods("POST")
}

// InitializeRequest is the body of POST /payments/initialize
type InitializeRequest struct {
	TenantID int64 `json:"tenant_id"`
}

func (h *Handlers) initialize(w http.ResponseWriter, r *http.Request) {
	var req InitializeRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if req.TenantID <= 0 {
		httputil.WriteBadRequest(w, "tenant_id is required")
		return
	}

	payment, err := h.service.Initialize(r.Context(), req.TenantID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	httputil.WriteCreated(w, payment)
}

// VerifyRequest is the body of POST /payments/verify
type VerifyRequest struct {
	Reference string `json:"reference"`
}

func (h *Handlers) verify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if req.Reference == "" {
		httputil.WriteBadRequest(w, "reference is required")
		return
	}

	result, err := h.service.Verify(r.Context(), req.Reference)
	if err != nil {
		h.writeError(w, err)
		return
	}

	httputil.WriteSuccess(w, result)
}

// RecordRequest is the body of POST /payments/record
type RecordRequest struct {
	TenantID    int64  `json:"tenant_id"`
	AmountCents int64  `json:"amount_cents,omitempty"`
	Note        string `json:"note,omitempty"`
}

func (h *Handlers) record(w http.ResponseWriter, r *http.Request) {
	var req RecordRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if req.TenantID <= 0 {
		httputil.WriteBadRequest(w, "tenant_id is required")
		return
	}

	result, err := h.service.RecordManual(r.Context(), req.TenantID, req.AmountCents, req.Note)
	if err != nil {
		h.writeError(w, err)
		return
	}

	httputil.WriteCreated(w, result)
}

func (h *Handlers) history(w http.ResponseWriter, r *http.Request) {
	tenantID, err := httputil.PathInt64(r, "tenant_id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	history, err := h.service.History(r.Context(), tenantID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	httputil.WriteSuccess(w, history)
}

func (h *Handlers) webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		httputil.WriteBadRequest(w, "failed to read body")
		return
	}

	result, err := h.service.HandleWebhook(r.Context(), payload, r.Header.Get(SignatureHeader))
	if err != nil {
		if errors.Is(err, ErrSignatureInvalid) {
			httputil.WriteErrorMessage(w, http.StatusUnauthorized, err.Error())
			return
		}
		h.writeError(w, err)
		return
	}

	httputil.WriteSuccess(w, result)
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	var invalid *subscriptions.InvalidStateError
	switch {
	case IsNotFound(err) || subscriptions.IsNotFound(err):
		httputil.WriteNotFound(w, err.Error())
	case errors.As(err, &invalid):
		httputil.WriteReasonError(w, http.StatusBadRequest, invalid.Message, invalid.Reason)
	case IsUpstream(err):
		httputil.WriteErrorMessage(w, http.StatusBadGateway, err.Error())
	default:
		h.logger.WithError(err).Error("payment request failed")
		httputil.WriteInternalError(w, err)
	}
}
