package admin

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Hamza-Labs-Core/zajel/internal/auth"
	"github.com/Hamza-Labs-Core/zajel/internal/clock"
	"github.com/Hamza-Labs-Core/zajel/internal/gateway"
	"github.com/Hamza-Labs-Core/zajel/internal/rendezvous"
)

type noopStore struct{}

func (noopStore) SaveDailyPoint(ctx context.Context, point string, peerID, deadDrop, relayID string, expiresAt time.Time, vc clock.HLCTimestamp) error {
	return nil
}
func (noopStore) SaveHourlyToken(ctx context.Context, token string, peerID, relayID string, expiresAt time.Time, vc clock.HLCTimestamp) error {
	return nil
}
func (noopStore) DeleteByPeer(ctx context.Context, peerID string) error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAdmin(t *testing.T, uiOrigin string) (*Server, *auth.Service) {
	t.Helper()
	gw := gateway.NewServer(rendezvous.New(noopStore{}), testLogger())
	authSvc, err := auth.NewService("test-secret")
	if err != nil {
		t.Fatalf("auth.NewService: %v", err)
	}
	return NewServer(gw, nil, authSvc, uiOrigin, testLogger()), authSvc
}

func TestHealthIsPublic(t *testing.T) {
	srv, _ := newTestAdmin(t, "")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestStatsRequiresAuth(t *testing.T) {
	srv, _ := newTestAdmin(t, "")

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestStatsWithValidToken(t *testing.T) {
	srv, authSvc := newTestAdmin(t, "")
	token, err := authSvc.IssueToken("operator", 10*time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestMetricsRequiresAuth(t *testing.T) {
	srv, _ := newTestAdmin(t, "")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestMetricsWithValidToken(t *testing.T) {
	srv, authSvc := newTestAdmin(t, "")
	token, err := authSvc.IssueToken("operator", 10*time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestCORSOmittedWhenNoOriginConfigured(t *testing.T) {
	srv, _ := newTestAdmin(t, "")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://example.com")
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Access-Control-Allow-Origin = %q, want empty when no ui origin configured", got)
	}
}

func TestCORSEchoesConfiguredOriginOnly(t *testing.T) {
	srv, _ := newTestAdmin(t, "https://admin.example.com")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://admin.example.com")
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://admin.example.com" {
		t.Errorf("Access-Control-Allow-Origin = %q, want configured origin", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Access-Control-Allow-Credentials = %q, want true", got)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/health", nil)
	req2.Header.Set("Origin", "https://evil.example.com")
	w2 := httptest.NewRecorder()
	srv.Router.ServeHTTP(w2, req2)
	if got := w2.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Access-Control-Allow-Origin leaked for unconfigured origin: %q", got)
	}
}
