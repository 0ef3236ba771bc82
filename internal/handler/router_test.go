package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	relayHandler "github.com/zhouzirui/portfolio-chat/relay/internal/handler/relay"
	relayService "github.com/zhouzirui/portfolio-chat/relay/internal/service/relay"
)

func newRouter(t *testing.T) http.Handler {
	t.Helper()
	engine := relayService.New(relayService.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = engine.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return NewRouter(engine, relayHandler.Options{AllowedOrigins: []string{"http://localhost:3000"}})
}

func TestRouterServesHealthAndMetrics(t *testing.T) {
	r := newRouter(t)

	health := httptest.NewRecorder()
	r.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if health.Code != http.StatusOK {
		t.Fatalf("healthz returned %d", health.Code)
	}

	metrics := httptest.NewRecorder()
	r.ServeHTTP(metrics, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if metrics.Code != http.StatusOK {
		t.Fatalf("metrics returned %d", metrics.Code)
	}
	if !strings.Contains(metrics.Body.String(), "relay_pending_writes") {
		t.Fatalf("relay collectors missing from /metrics")
	}
}

func TestRouterListsSessionsWithCORS(t *testing.T) {
	r := newRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/chat/sessions", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Fatalf("missing CORS header")
	}
}
