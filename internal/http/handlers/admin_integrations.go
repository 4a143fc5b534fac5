package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/wolfman30/medspa-pms-sync/internal/http/middleware"
	"github.com/wolfman30/medspa-pms-sync/internal/jobs"
	"github.com/wolfman30/medspa-pms-sync/internal/pms"
	"github.com/wolfman30/medspa-pms-sync/internal/practice"
	"github.com/wolfman30/medspa-pms-sync/internal/writer"
	"github.com/wolfman30/medspa-pms-sync/pkg/logging"
)

// IntegrationJobs is the jobs surface the admin endpoints drive.
type IntegrationJobs interface {
	Integration(ctx context.Context, id uuid.UUID) (practice.Integration, error)
	Health(ctx context.Context, integrationID uuid.UUID) (practice.HealthRecord, error)
	RunIncrementalSync(ctx context.Context, integration practice.Integration) (jobs.SyncSummary, error)
	RunHealthCheck(ctx context.Context, integration practice.Integration) (practice.HealthRecord, error)
	SeedExternalData(ctx context.Context, integration practice.Integration, counts writer.Counts, opts writer.Options) (jobs.SeedSummary, error)
}

// AdminIntegrationsHandler exposes on-demand sync, health and seed runs per integration.
type AdminIntegrationsHandler struct {
	jobs   IntegrationJobs
	logger *logging.Logger
}

func NewAdminIntegrationsHandler(j IntegrationJobs, logger *logging.Logger) *AdminIntegrationsHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminIntegrationsHandler{jobs: j, logger: logger}
}

// Routes mounts under /admin/integrations.
func (h *AdminIntegrationsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/{id}", func(r chi.Router) {
		r.Post("/sync", h.Sync)
		r.Post("/health-check", h.HealthCheck)
		r.Post("/seed", h.Seed)
		r.Get("/health", h.GetHealth)
	})
	return r
}

// SeedRequest is the body of POST /admin/integrations/{id}/seed.
type SeedRequest struct {
	Appointments      int        `json:"appointments"`
	Payments          int        `json:"payments"`
	Adjustments       int        `json:"adjustments"`
	IdempotencyPrefix string     `json:"idempotency_prefix"`
	StartedAt         *time.Time `json:"started_at"`
	PaymentType       string     `json:"payment_type"`
	AdjustmentType    string     `json:"adjustment_type"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type syncResponse struct {
	jobs.SyncSummary
	Error string `json:"error,omitempty"`
}

type seedResponse struct {
	jobs.SeedSummary
	Error string `json:"error,omitempty"`
}

func (h *AdminIntegrationsHandler) Sync(w http.ResponseWriter, r *http.Request) {
	integration, ok := h.loadActive(w, r)
	if !ok {
		return
	}
	h.audit(r, "sync", integration)
	summary, err := h.jobs.RunIncrementalSync(r.Context(), integration)
	if err != nil {
		writeJSON(w, statusFor(err), syncResponse{SyncSummary: summary, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, syncResponse{SyncSummary: summary})
}

func (h *AdminIntegrationsHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	integration, ok := h.loadActive(w, r)
	if !ok {
		return
	}
	h.audit(r, "health_check", integration)
	rec, err := h.jobs.RunHealthCheck(r.Context(), integration)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *AdminIntegrationsHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	integration, ok := h.load(w, r)
	if !ok {
		return
	}
	rec, err := h.jobs.Health(r.Context(), integration.ID)
	if err != nil {
		h.logger.Error("failed to load health record", "integration_id", integration.Key(), "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to load health record"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *AdminIntegrationsHandler) Seed(w http.ResponseWriter, r *http.Request) {
	integration, ok := h.loadActive(w, r)
	if !ok {
		return
	}
	var req SeedRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	counts := writer.Counts{Appointments: req.Appointments, Payments: req.Payments, Adjustments: req.Adjustments}
	if counts.Total() == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "nothing to seed"})
		return
	}
	opts := writer.Options{
		IdempotencyPrefix:      strings.TrimSpace(req.IdempotencyPrefix),
		ExplicitPaymentType:    strings.TrimSpace(req.PaymentType),
		ExplicitAdjustmentType: strings.TrimSpace(req.AdjustmentType),
	}
	if req.StartedAt != nil {
		opts.StartedAt = req.StartedAt.UTC()
	}
	h.audit(r, "seed", integration, "appointments", counts.Appointments, "payments", counts.Payments, "adjustments", counts.Adjustments)

	summary, err := h.jobs.SeedExternalData(r.Context(), integration, counts, opts)
	if err != nil {
		writeJSON(w, statusFor(err), seedResponse{SeedSummary: summary, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, seedResponse{SeedSummary: summary})
}

func (h *AdminIntegrationsHandler) load(w http.ResponseWriter, r *http.Request) (practice.Integration, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid integration id"})
		return practice.Integration{}, false
	}
	integration, err := h.jobs.Integration(r.Context(), id)
	if errors.Is(err, practice.ErrIntegrationNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "integration not found"})
		return practice.Integration{}, false
	}
	if err != nil {
		h.logger.Error("failed to load integration", "integration_id", id.String(), "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to load integration"})
		return practice.Integration{}, false
	}
	return integration, true
}

func (h *AdminIntegrationsHandler) loadActive(w http.ResponseWriter, r *http.Request) (practice.Integration, bool) {
	integration, ok := h.load(w, r)
	if !ok {
		return integration, false
	}
	if !integration.Active {
		writeJSON(w, http.StatusConflict, errorResponse{Error: "integration is inactive"})
		return integration, false
	}
	return integration, true
}

func (h *AdminIntegrationsHandler) audit(r *http.Request, action string, integration practice.Integration, args ...any) {
	base := []any{
		"action", action,
		"integration_id", integration.Key(),
		"org_id", integration.OrgID,
		"admin_subject", middleware.AdminSubject(r.Context()),
	}
	h.logger.Info("admin integration action", append(base, args...)...)
}

func statusFor(err error) int {
	var authErr *pms.AuthError
	switch {
	case errors.Is(err, jobs.ErrInvalidCounts):
		return http.StatusBadRequest
	case errors.As(err, &authErr) && authErr.Op == "validate":
		return http.StatusUnprocessableEntity
	case errors.As(err, &authErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case pms.IsRetryable(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
