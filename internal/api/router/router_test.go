package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wolfman30/medspa-pms-sync/internal/http/handlers"
	"github.com/wolfman30/medspa-pms-sync/internal/jobs"
	"github.com/wolfman30/medspa-pms-sync/internal/practice"
	"github.com/wolfman30/medspa-pms-sync/internal/writer"
	"github.com/wolfman30/medspa-pms-sync/pkg/logging"
)

const testSecret = "router-secret"

type emptyJobs struct{}

func (emptyJobs) Integration(ctx context.Context, id uuid.UUID) (practice.Integration, error) {
	return practice.Integration{}, practice.ErrIntegrationNotFound
}

func (emptyJobs) Health(ctx context.Context, id uuid.UUID) (practice.HealthRecord, error) {
	return practice.InitialHealth(id), nil
}

func (emptyJobs) RunIncrementalSync(ctx context.Context, integration practice.Integration) (jobs.SyncSummary, error) {
	return jobs.SyncSummary{}, nil
}

func (emptyJobs) RunHealthCheck(ctx context.Context, integration practice.Integration) (practice.HealthRecord, error) {
	return practice.HealthRecord{}, nil
}

func (emptyJobs) SeedExternalData(ctx context.Context, integration practice.Integration, counts writer.Counts, opts writer.Options) (jobs.SeedSummary, error) {
	return jobs.SeedSummary{}, nil
}

func newTestRouter(t *testing.T, readiness func(ctx context.Context) error) http.Handler {
	t.Helper()
	logger := logging.New("error")
	return New(&Config{
		Logger:            logger,
		AdminIntegrations: handlers.NewAdminIntegrationsHandler(emptyJobs{}, logger),
		AdminAuthSecret:   testSecret,
		MetricsHandler:    promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{}),
		Readiness:         readiness,
		RequestTimeout:    time.Minute,
	})
}

func adminToken(t *testing.T) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "ops",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestRouterHealthEndpoint(t *testing.T) {
	router := newTestRouter(t, nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status 'ok', got %q", resp["status"])
	}
}

func TestRouterHealthUnavailable(t *testing.T) {
	router := newTestRouter(t, func(ctx context.Context) error { return errors.New("database unreachable") })

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, rr.Code)
	}
}

func TestRouterMetricsEndpoint(t *testing.T) {
	router := newTestRouter(t, nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
}

func TestRouterAdminRequiresToken(t *testing.T) {
	router := newTestRouter(t, nil)
	path := "/admin/integrations/" + uuid.NewString() + "/sync"

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, path, nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d without token, got %d", http.StatusUnauthorized, rr.Code)
	}

	req := httptest.NewRequest(http.MethodPost, path, nil)
	req.Header.Set("Authorization", "Bearer "+adminToken(t))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status %d for unknown integration, got %d", http.StatusNotFound, rr.Code)
	}
}

func TestRouterAdminHealthRoute(t *testing.T) {
	router := newTestRouter(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/admin/integrations/"+uuid.NewString()+"/health", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken(t))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	// emptyJobs knows no integrations, so a 404 proves the route is mounted behind auth.
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, rr.Code)
	}
}

func TestRouterAdminMissingWithoutHandler(t *testing.T) {
	router := New(&Config{Logger: logging.New("error"), AdminAuthSecret: testSecret})
	req := httptest.NewRequest(http.MethodPost, "/admin/integrations/"+uuid.NewString()+"/sync", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken(t))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when admin handler is nil, got %d", rr.Code)
	}
}
