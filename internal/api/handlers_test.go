package api_test

import (
	"crypto/rand"
	"crypto/rsa"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tripwire/ftrace/internal/api"
	"github.com/tripwire/ftrace/internal/audit"
	"github.com/tripwire/ftrace/internal/config"
	"github.com/tripwire/ftrace/internal/session"
)

func generateTestKey(t *testing.T) (*rsa.PrivateKey, *rsa.PublicKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	return priv, &priv.PublicKey
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandleHealthzUnauthenticated(t *testing.T) {
	c := session.New(config.Default(), testLogger())
	srv := api.NewServer(c, testLogger(), nil)
	router := api.NewRouter(srv, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", rec.Code)
	}
}

func TestHandleGetSessionReportsInitState(t *testing.T) {
	c := session.New(config.Default(), testLogger())
	srv := api.NewServer(c, testLogger(), nil)
	router := api.NewRouter(srv, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/session", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if want := `"state":"init"`; !strings.Contains(rec.Body.String(), want) {
		t.Fatalf("body %q does not contain %q", rec.Body.String(), want)
	}
}

func TestHandleFinishBeforeTracingReturns409(t *testing.T) {
	c := session.New(config.Default(), testLogger())
	srv := api.NewServer(c, testLogger(), nil)
	router := api.NewRouter(srv, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/finish", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestHandleDisableEnableReturn204(t *testing.T) {
	c := session.New(config.Default(), testLogger())
	srv := api.NewServer(c, testLogger(), nil)
	router := api.NewRouter(srv, nil)

	for _, path := range []string{"/v1/disable", "/v1/enable"} {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("%s status = %d, want 204", path, rec.Code)
		}
	}
}

func TestRouterRequiresJWTOnV1Routes(t *testing.T) {
	_, pub := generateTestKey(t)

	c := session.New(config.Default(), testLogger())
	srv := api.NewServer(c, testLogger(), nil)
	router := api.NewRouter(srv, pub)

	req := httptest.NewRequest(http.MethodGet, "/v1/session", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without a bearer token", rec.Code)
	}
}

func TestHandleDisableRecordsActorFromJWTSubject(t *testing.T) {
	priv, pub := generateTestKey(t)

	c := session.New(config.Default(), testLogger())
	auditPath := filepath.Join(t.TempDir(), "control.audit.log")
	al, err := audit.Open(auditPath)
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	defer al.Close()

	srv := api.NewServer(c, testLogger(), al)
	router := api.NewRouter(srv, pub)

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Subject:   "operator@example.com",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := tok.SignedString(priv)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/disable", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}

	entry, err := al.Append(audit.ActionEnable, "sentinel")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if entry.Seq != 2 {
		t.Fatalf("expected the disable call to have already appended seq 1, got next seq %d", entry.Seq)
	}

	entries, err := audit.Verify(auditPath)
	if err != nil {
		t.Fatalf("audit.Verify: %v", err)
	}
	if got := entries[0].Action.Actor; got != "operator@example.com" {
		t.Fatalf("disable entry actor = %q, want the JWT subject %q", got, "operator@example.com")
	}
}
