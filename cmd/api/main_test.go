package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	appconfig "github.com/wolfman30/medspa-pms-sync/internal/config"
	"github.com/wolfman30/medspa-pms-sync/internal/observability/metrics"
	"github.com/wolfman30/medspa-pms-sync/pkg/logging"
)

type fakePinger struct{ err error }

func (p fakePinger) Ping(ctx context.Context) error { return p.err }

func TestSetupMetricsExposesSyncMetrics(t *testing.T) {
	handler, registry := setupMetrics()
	if handler == nil || registry == nil {
		t.Fatalf("expected non-nil handler and registry")
	}

	metrics.NewSyncMetrics(registry).ObserveSyncSkipped("patients")

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "medspa_pms_sync_skipped_total") {
		t.Fatalf("expected skipped counter to be exported")
	}
}

func TestStartOutboxRelayRequiresRedis(t *testing.T) {
	err := startOutboxRelay(context.Background(), &appconfig.Config{EventsChannel: "pms-events"}, nil, nil, logging.New("error"))
	if err == nil {
		t.Fatalf("expected error without redis")
	}
}

func TestReadiness(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	if err := readiness(fakePinger{}, client)(context.Background()); err != nil {
		t.Fatalf("expected ready, got %v", err)
	}
	if err := readiness(fakePinger{err: errors.New("down")}, nil)(context.Background()); err == nil || !strings.Contains(err.Error(), "database") {
		t.Fatalf("expected database error, got %v", err)
	}

	mr.Close()
	if err := readiness(fakePinger{}, client)(context.Background()); err == nil || !strings.Contains(err.Error(), "redis") {
		t.Fatalf("expected redis error, got %v", err)
	}
}
