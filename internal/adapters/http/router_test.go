package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/google/uuid"
	authhttp "github.com/viralforge/devicetrust/internal/adapters/http"
	"github.com/viralforge/devicetrust/internal/adapters/memory"
	"github.com/viralforge/devicetrust/internal/adapters/security"
	"github.com/viralforge/devicetrust/internal/application"
)

type envelope struct {
	Status  string          `json:"status"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newTestRouter(t *testing.T, opts authhttp.Options) (*application.Service, http.Handler) {
	t.Helper()
	fingerprints, err := security.NewFingerprintHasher("http-test-pepper", security.FingerprintHMACSHA256, nil)
	if err != nil {
		t.Fatalf("fingerprint hasher: %v", err)
	}
	svc, err := application.NewService(context.Background(), application.Dependencies{
		Config:        application.Config{DeviceApprovalEnforced: true},
		Users:         memory.NewUserRepository(),
		Devices:       memory.NewDeviceRepository(),
		LoginAttempts: memory.NewLoginAttemptRepository(),
		Sessions:      memory.NewSessionStore(nil),
		RateLimits:    memory.NewRateLimitStore(nil),
		Hasher:        security.NewArgon2Hasher(security.Argon2Params{MemoryKiB: 1024, Iterations: 1, Parallelism: 1}),
		Fingerprints:  fingerprints,
		Audit:         memory.NewAuditSink(),
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, authhttp.NewRouter(authhttp.NewHandler(svc, opts))
}

func doJSON(t *testing.T, router http.Handler, method, path, token string, body any, headers map[string]string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &payload)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "router-test")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return rec, env
}

func loginToken(t *testing.T, router http.Handler, username, password, fingerprint string) string {
	t.Helper()
	rec, env := doJSON(t, router, http.MethodPost, "/auth/v1/login", "", map[string]string{
		"username": username,
		"password": password,
	}, map[string]string{"X-Device-Fingerprint": fingerprint})
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: status %d code %s", username, rec.Code, env.Code)
	}
	var data struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.Token == "" {
		t.Fatalf("login %s: missing token in %s", username, env.Data)
	}
	return data.Token
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()
	_, router := newTestRouter(t, authhttp.Options{
		Readiness: func(context.Context) error { return context.DeadlineExceeded },
	})

	rec, _ := doJSON(t, router, http.MethodGet, "/healthz", "", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status %d", rec.Code)
	}
	rec, env := doJSON(t, router, http.MethodGet, "/readyz", "", nil, nil)
	if rec.Code != http.StatusServiceUnavailable || env.Code != "NOT_READY" {
		t.Fatalf("readyz: status %d code %s", rec.Code, env.Code)
	}
}

func TestRegisterConflictAndValidation(t *testing.T) {
	t.Parallel()
	_, router := newTestRouter(t, authhttp.Options{})

	body := map[string]string{"username": "carol", "password": "C4rol!pass"}
	rec, env := doJSON(t, router, http.MethodPost, "/auth/v1/register", "", body, nil)
	if rec.Code != http.StatusCreated || env.Status != "success" {
		t.Fatalf("register: status %d body %+v", rec.Code, env)
	}
	rec, env = doJSON(t, router, http.MethodPost, "/auth/v1/register", "", body, nil)
	if rec.Code != http.StatusConflict || env.Code != "USERNAME_TAKEN" {
		t.Fatalf("duplicate register: status %d code %s", rec.Code, env.Code)
	}

	rec, env = doJSON(t, router, http.MethodPost, "/auth/v1/register", "", map[string]string{"username": "dave", "password": "C4rol!pass", "role": "admin"}, nil)
	if rec.Code != http.StatusBadRequest || env.Code != "INVALID_INPUT" {
		t.Fatalf("unknown field: status %d code %s", rec.Code, env.Code)
	}
}

func TestRegisterRateLimitSetsRetryAfter(t *testing.T) {
	t.Parallel()
	_, router := newTestRouter(t, authhttp.Options{})

	for i, name := range []string{"user-one", "user-two", "user-three"} {
		rec, env := doJSON(t, router, http.MethodPost, "/auth/v1/register", "", map[string]string{"username": name, "password": "Str0ng!pass"}, nil)
		if rec.Code != http.StatusCreated {
			t.Fatalf("register %d: status %d code %s", i, rec.Code, env.Code)
		}
	}
	rec, env := doJSON(t, router, http.MethodPost, "/auth/v1/register", "", map[string]string{"username": "user-four", "password": "Str0ng!pass"}, nil)
	if rec.Code != http.StatusTooManyRequests || env.Code != "RATE_LIMITED" {
		t.Fatalf("expected rate limit, got status %d code %s", rec.Code, env.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestDeviceApprovalFlowOverHTTP(t *testing.T) {
	t.Parallel()
	svc, router := newTestRouter(t, authhttp.Options{})
	ctx := context.Background()

	if _, err := svc.Provision(ctx, application.ProvisionRequest{
		Username:    "root-admin",
		Password:    "Adm1n!pass",
		Role:        "admin",
		Fingerprint: "fp-admin",
	}); err != nil {
		t.Fatalf("provision admin: %v", err)
	}
	adminToken := loginToken(t, router, "root-admin", "Adm1n!pass", "fp-admin")

	rec, env := doJSON(t, router, http.MethodPost, "/auth/v1/register", "", map[string]string{"username": "bob", "password": "B0b!secret"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register bob: status %d code %s", rec.Code, env.Code)
	}
	rec, env = doJSON(t, router, http.MethodPost, "/auth/v1/login", "", map[string]string{"username": "bob", "password": "B0b!secret", "fingerprint": "fp-bob"}, nil)
	if rec.Code != http.StatusForbidden || env.Code != "DEVICE_PENDING" {
		t.Fatalf("first login: status %d code %s", rec.Code, env.Code)
	}

	rec, env = doJSON(t, router, http.MethodGet, "/auth/v1/admin/devices/pending", adminToken, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list pending: status %d code %s", rec.Code, env.Code)
	}
	var pending struct {
		Devices []application.DeviceSummary `json:"devices"`
	}
	if err := json.Unmarshal(env.Data, &pending); err != nil || len(pending.Devices) != 1 {
		t.Fatalf("expected one pending device, got %s", env.Data)
	}
	deviceID := pending.Devices[0].DeviceID

	rec, env = doJSON(t, router, http.MethodPut, "/auth/v1/admin/devices/"+deviceID.String()+"/state", adminToken, map[string]string{"state": "approved"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("approve: status %d code %s", rec.Code, env.Code)
	}

	bobToken := loginToken(t, router, "bob", "B0b!secret", "fp-bob")
	rec, env = doJSON(t, router, http.MethodGet, "/auth/v1/session", bobToken, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("session: status %d code %s", rec.Code, env.Code)
	}
	var info application.SessionInfo
	if err := json.Unmarshal(env.Data, &info); err != nil || info.User.Username != "bob" {
		t.Fatalf("unexpected session info %s", env.Data)
	}

	rec, env = doJSON(t, router, http.MethodGet, "/auth/v1/admin/devices/pending", bobToken, nil, nil)
	if rec.Code != http.StatusForbidden || env.Code != "FORBIDDEN" {
		t.Fatalf("standard user on admin route: status %d code %s", rec.Code, env.Code)
	}

	rec, env = doJSON(t, router, http.MethodPost, "/auth/v1/logout", bobToken, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("logout: status %d code %s", rec.Code, env.Code)
	}
	rec, env = doJSON(t, router, http.MethodGet, "/auth/v1/session", bobToken, nil, nil)
	if rec.Code != http.StatusUnauthorized || env.Code != "SESSION_EXPIRED" {
		t.Fatalf("after logout: status %d code %s", rec.Code, env.Code)
	}
}

func TestLockoutOverHTTPSetsRetryAfter(t *testing.T) {
	t.Parallel()
	svc, router := newTestRouter(t, authhttp.Options{})
	if _, err := svc.Register(context.Background(), application.RegisterRequest{Username: "erin", Password: "Er1n!pass"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	wrong := map[string]string{"username": "erin", "password": "wrong-pass", "fingerprint": "fp-erin"}
	for i := 0; i < 5; i++ {
		rec, env := doJSON(t, router, http.MethodPost, "/auth/v1/login", "", wrong, nil)
		if rec.Code != http.StatusUnauthorized || env.Code != "INVALID_CREDENTIALS" {
			t.Fatalf("attempt %d: status %d code %s", i+1, rec.Code, env.Code)
		}
	}
	rec, env := doJSON(t, router, http.MethodPost, "/auth/v1/login", "", wrong, nil)
	if rec.Code != http.StatusTooManyRequests || env.Code != "IP_BLOCKED" {
		t.Fatalf("locked attempt: status %d code %s", rec.Code, env.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "300" {
		t.Fatalf("expected Retry-After 300, got %q", got)
	}
}

func TestProtectedRoutesRequireBearer(t *testing.T) {
	t.Parallel()
	_, router := newTestRouter(t, authhttp.Options{})

	rec, env := doJSON(t, router, http.MethodGet, "/auth/v1/session", "", nil, nil)
	if rec.Code != http.StatusUnauthorized || env.Code != "TOKEN_INVALID" {
		t.Fatalf("missing bearer: status %d code %s", rec.Code, env.Code)
	}
	rec, env = doJSON(t, router, http.MethodGet, "/auth/v1/session", "not-a-real-token", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage bearer: status %d code %s", rec.Code, env.Code)
	}
	rec, env = doJSON(t, router, http.MethodPut, "/auth/v1/admin/users/"+uuid.NewString()+"/status", "not-a-real-token", map[string]string{"status": "disabled"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("admin route without session: status %d code %s", rec.Code, env.Code)
	}
}

func TestForwardedForHonouredOnlyFromTrustedProxy(t *testing.T) {
	t.Parallel()
	svc, router := newTestRouter(t, authhttp.Options{
		TrustedProxies: []netip.Prefix{netip.MustParsePrefix("192.0.2.0/24")},
	})
	if _, err := svc.Register(context.Background(), application.RegisterRequest{Username: "frank", Password: "Fr4nk!pass"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	// httptest requests originate from 192.0.2.1, inside the trusted range,
	// so each forwarded client gets its own lockout key.
	wrong := map[string]string{"username": "frank", "password": "wrong-pass", "fingerprint": "fp-frank"}
	for i := 0; i < 5; i++ {
		doJSON(t, router, http.MethodPost, "/auth/v1/login", "", wrong, map[string]string{"X-Forwarded-For": "198.51.100.7"})
	}
	rec, env := doJSON(t, router, http.MethodPost, "/auth/v1/login", "", wrong, map[string]string{"X-Forwarded-For": "198.51.100.7"})
	if env.Code != "IP_BLOCKED" {
		t.Fatalf("forwarded client should be locked, got status %d code %s", rec.Code, env.Code)
	}
	rec, env = doJSON(t, router, http.MethodPost, "/auth/v1/login", "", wrong, map[string]string{"X-Forwarded-For": "198.51.100.8"})
	if env.Code != "INVALID_CREDENTIALS" {
		t.Fatalf("other client should not share the lock, got status %d code %s", rec.Code, env.Code)
	}
}
