package middleware_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	goIdentity "github.com/MrEthical07/goIdentity"
	"github.com/MrEthical07/goIdentity/middleware"
	"github.com/MrEthical07/goIdentity/storage/sqlite"
)

func newTestEngine(t *testing.T) *goIdentity.Engine {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	cfg := goIdentity.Config{Environment: "development"}
	cfg.Token.Issuer = "goIdentity-test"
	cfg.Token.PrivateKey = priv
	cfg.Token.PublicKey = pub
	cfg.Password.Memory = 8192
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Password.SaltLength = 16
	cfg.Password.KeyLength = 16
	cfg.Password.MinLength = 8
	cfg.Password.PoolWorkers = 2

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "identity.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	engine, err := goIdentity.New(cfg, store)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() {
		engine.Close()
		_ = store.Close()
	})
	return engine
}

func loginAccount(t *testing.T, engine *goIdentity.Engine, email string) goIdentity.LoginResult {
	t.Helper()
	ctx := context.Background()

	const password = "correct-horse-battery"
	if _, err := engine.CreateAccount(ctx, goIdentity.CreateAccountInput{Email: email, Password: password}); err != nil {
		t.Fatalf("create account: %v", err)
	}
	token, err := engine.RequestEmailVerification(ctx, email)
	if err != nil {
		t.Fatalf("request verification: %v", err)
	}
	if err := engine.ConfirmEmailVerification(ctx, token); err != nil {
		t.Fatalf("confirm verification: %v", err)
	}

	result, err := engine.Login(ctx, email, password, "127.0.0.1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	return result
}

func echoIdentityHandler(t *testing.T) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := middleware.IdentityFromContext(r.Context())
		if !ok {
			t.Fatal("identity missing from context")
		}
		_, _ = w.Write([]byte(identity.Email))
	})
}

func TestRequireAccessAllowsValidToken(t *testing.T) {
	engine := newTestEngine(t)
	result := loginAccount(t, engine, "guard@example.com")

	handler := middleware.RequireAccess(engine)(echoIdentityHandler(t))

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+result.AccessToken)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Body.String(); got != "guard@example.com" {
		t.Fatalf("body = %q, want identity email", got)
	}
}

func TestRequireAccessRejectsBadCredentials(t *testing.T) {
	engine := newTestEngine(t)
	result := loginAccount(t, engine, "reject@example.com")

	handler := middleware.RequireAccess(engine)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler reached without valid token")
	}))

	cases := map[string]string{
		"missing header": "",
		"not bearer":     "Basic abc123",
		"empty token":    "Bearer ",
		"garbage token":  "Bearer not-a-jwt",
		"refresh token":  "Bearer " + result.RefreshToken,
	}
	for name, header := range cases {
		req := httptest.NewRequest(http.MethodGet, "/protected", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: status = %d, want %d", name, rec.Code, http.StatusUnauthorized)
		}
	}
}

func TestRequireAPIKey(t *testing.T) {
	engine := newTestEngine(t)
	result := loginAccount(t, engine, "apikey@example.com")

	key, err := engine.CreateAPIKey(context.Background(), result.Identity.ID, "ci", time.Hour)
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}

	handler := middleware.RequireAPIKey(engine)(echoIdentityHandler(t))

	req := httptest.NewRequest(http.MethodGet, "/api", nil)
	req.Header.Set("X-API-Key", key.Key)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("X-API-Key: status = %d, want %d", rec.Code, http.StatusOK)
	}

	// Bearer fallback carries the same key.
	req = httptest.NewRequest(http.MethodGet, "/api", nil)
	req.Header.Set("Authorization", "Bearer "+key.Key)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("bearer fallback: status = %d, want %d", rec.Code, http.StatusOK)
	}

	req = httptest.NewRequest(http.MethodGet, "/api", nil)
	req.Header.Set("X-API-Key", "gik_not_a_real_key")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad key: status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestGuardsRejectNilEngine(t *testing.T) {
	for name, guard := range map[string]func(http.Handler) http.Handler{
		"access":  middleware.RequireAccess(nil),
		"api key": middleware.RequireAPIKey(nil),
	} {
		handler := guard(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			t.Fatal("handler reached with nil engine")
		}))
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: status = %d, want %d", name, rec.Code, http.StatusUnauthorized)
		}
	}
}
