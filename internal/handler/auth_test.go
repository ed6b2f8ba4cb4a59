package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tourbook/auth-service/internal/cache"
	"github.com/tourbook/auth-service/internal/credential"
	"github.com/tourbook/auth-service/internal/db/dbtest"
	"github.com/tourbook/auth-service/internal/obs"
	"github.com/tourbook/auth-service/internal/ratelimit"
	"github.com/tourbook/auth-service/internal/service"
	"github.com/tourbook/auth-service/internal/token"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type testServer struct {
	router *gin.Engine
	store  *dbtest.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWithProxies(t, nil)
}

func newTestServerWithProxies(t *testing.T, trustedProxies []string) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	codec, err := token.NewCodec(token.Config{
		AccessSecret:  []byte("access-secret"),
		RefreshSecret: []byte("refresh-secret"),
		KeyID:         "auth-service-1",
	})
	require.NoError(t, err)

	logger := zap.NewNop()
	reg := prometheus.NewRegistry()
	metrics := obs.NewMetrics(reg)
	store := dbtest.NewStore()
	tokenCache := cache.NewService(context.Background(), cache.Config{Enabled: false}, logger)
	svc := service.NewAuthService(store, tokenCache, codec, credential.NewValidator(bcrypt.MinCost), logger, metrics)

	router := NewRouter(RouterDeps{
		Auth:           svc,
		AuthHandler:    NewAuthHandler(svc, "public-key-placeholder"),
		Health:         NewHealthHandler(store, tokenCache, "auth-service"),
		Limiter:        ratelimit.New(nil, ratelimit.Config{Window: 10 * time.Minute, MaxRequests: 5}, logger),
		Metrics:        metrics,
		MetricsHTTP:    obs.MetricsHandler(reg),
		Logger:         logger,
		CORSOrigins:    []string{"http://localhost:5173"},
		TrustedProxies: trustedProxies,
	})
	return &testServer{router: router, store: store}
}

func (s *testServer) do(t *testing.T, method, path, body, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (s *testServer) login(t *testing.T) (string, string) {
	t.Helper()
	w := s.do(t, http.MethodPost, "/auth/register", `{"email":"a@x.com","password":"Abc12345!"}`, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = s.do(t, http.MethodPost, "/auth/login", `{"email":"a@x.com","password":"Abc12345!"}`, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	return body["accessToken"].(string), body["refreshToken"].(string)
}

func TestRegisterLoginMeScenario(t *testing.T) {
	srv := newTestServer(t)

	w := srv.do(t, http.MethodPost, "/auth/register", `{"email":"a@x.com","password":"Abc12345!"}`, "")
	require.Equal(t, http.StatusCreated, w.Code)
	reg := decode(t, w)
	assert.Equal(t, "User registered successfully", reg["message"])
	user := reg["user"].(map[string]any)
	assert.NotEmpty(t, user["userId"])
	assert.Equal(t, "a@x.com", user["email"])

	w = srv.do(t, http.MethodPost, "/auth/login", `{"email":"a@x.com","password":"Abc12345!"}`, "")
	require.Equal(t, http.StatusOK, w.Code)
	pair := decode(t, w)
	assert.Len(t, pair, 3)
	assert.NotEmpty(t, pair["accessToken"])
	assert.NotEmpty(t, pair["refreshToken"])
	assert.Equal(t, float64(900), pair["expiresIn"])

	w = srv.do(t, http.MethodGet, "/auth/me", "", pair["accessToken"].(string))
	require.Equal(t, http.StatusOK, w.Code)
	me := decode(t, w)
	assert.Equal(t, user["userId"], me["id"])
	assert.Equal(t, "a@x.com", me["email"])
	assert.Equal(t, "a", me["name"])
}

func TestRegisterErrors(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name   string
		body   string
		status int
		errMsg string
	}{
		{"missing fields", `{"email":""}`, http.StatusBadRequest, "Email and password are required"},
		{"malformed json", `{`, http.StatusBadRequest, "Email and password are required"},
		{"invalid email", `{"email":"nope","password":"Abc12345!"}`, http.StatusBadRequest, "Invalid email format"},
		{"short password", `{"email":"b@x.com","password":"Ab1!"}`, http.StatusBadRequest,
			"password does not meet requirements: password must be at least 8 characters"},
		{"first registration", `{"email":"c@x.com","password":"Abc12345!"}`, http.StatusCreated, ""},
		{"duplicate", `{"email":"C@x.com","password":"Abc12345!"}`, http.StatusConflict, "User already exists"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := srv.do(t, http.MethodPost, "/auth/register", tt.body, "")
			require.Equal(t, tt.status, w.Code, w.Body.String())
			if tt.errMsg != "" {
				assert.Equal(t, tt.errMsg, decode(t, w)["error"])
			}
		})
	}
}

func TestLoginIsRateLimited(t *testing.T) {
	srv := newTestServer(t)

	for i := 0; i < 5; i++ {
		w := srv.do(t, http.MethodPost, "/auth/login", `{"email":"a@x.com","password":"Wrong123!"}`, "")
		require.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "Invalid credentials", decode(t, w)["error"])
	}

	w := srv.do(t, http.MethodPost, "/auth/login", `{"email":"a@x.com","password":"Wrong123!"}`, "")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func loginFrom(t *testing.T, srv *testServer, forwardedFor string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewBufferString(`{"email":"a@x.com","password":"Wrong123!"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", forwardedFor)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	return w
}

func TestLoginRateLimitIgnoresForwardedFor(t *testing.T) {
	srv := newTestServer(t)

	for i := 0; i < 5; i++ {
		w := loginFrom(t, srv, fmt.Sprintf("10.0.0.%d", i))
		require.Equal(t, http.StatusUnauthorized, w.Code, "attempt %d", i+1)
	}

	w := loginFrom(t, srv, "10.0.0.99")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestLoginRateLimitHonoursTrustedProxy(t *testing.T) {
	// httptest requests arrive from 192.0.2.1.
	srv := newTestServerWithProxies(t, []string{"192.0.2.1"})

	for i := 0; i < 5; i++ {
		w := loginFrom(t, srv, "10.0.0.1")
		require.Equal(t, http.StatusUnauthorized, w.Code, "attempt %d", i+1)
	}
	assert.Equal(t, http.StatusTooManyRequests, loginFrom(t, srv, "10.0.0.1").Code)
	assert.Equal(t, http.StatusUnauthorized, loginFrom(t, srv, "10.0.0.2").Code)
}

func TestRefreshEndpoint(t *testing.T) {
	srv := newTestServer(t)
	_, refresh := srv.login(t)

	w := srv.do(t, http.MethodPost, "/auth/refresh", `{}`, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = srv.do(t, http.MethodPost, "/auth/refresh", `{"refreshToken":"`+refresh+`"}`, "")
	require.Equal(t, http.StatusOK, w.Code)
	next := decode(t, w)
	assert.NotEqual(t, refresh, next["refreshToken"])

	w = srv.do(t, http.MethodPost, "/auth/refresh", `{"refreshToken":"`+refresh+`"}`, "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Token has been revoked", decode(t, w)["error"])
}

func TestLogoutRejectsTokenEverywhere(t *testing.T) {
	srv := newTestServer(t)
	access, refresh := srv.login(t)

	w := srv.do(t, http.MethodPost, "/auth/logout", "", access)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Logged out successfully", decode(t, w)["message"])

	w = srv.do(t, http.MethodGet, "/auth/me", "", access)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = srv.do(t, http.MethodGet, "/auth/validate", "", access)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	body := decode(t, w)
	assert.Equal(t, false, body["valid"])
	assert.Equal(t, "Token has been revoked", body["error"])

	w = srv.do(t, http.MethodPost, "/auth/refresh", `{"refreshToken":"`+refresh+`"}`, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestValidateEndpoint(t *testing.T) {
	srv := newTestServer(t)
	access, _ := srv.login(t)

	w := srv.do(t, http.MethodGet, "/auth/validate", "", access)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["valid"])
	decoded := body["decoded"].(map[string]any)
	assert.Equal(t, "a@x.com", decoded["email"])
	assert.NotEmpty(t, decoded["userId"])

	w = srv.do(t, http.MethodGet, "/auth/validate", "", "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, false, decode(t, w)["valid"])

	w = srv.do(t, http.MethodGet, "/auth/validate", "", "not.a.jwt")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Invalid token", decode(t, w)["error"])
}

func TestProtectedRoutesRequireBearer(t *testing.T) {
	srv := newTestServer(t)

	w := srv.do(t, http.MethodGet, "/auth/me", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Access token required", decode(t, w)["error"])

	w = srv.do(t, http.MethodPost, "/auth/logout", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPublicKey(t *testing.T) {
	srv := newTestServer(t)

	w := srv.do(t, http.MethodGet, "/auth/public-key", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "HS256", body["algorithm"])
	assert.Equal(t, "auth-service-1", body["keyId"])
	assert.Equal(t, "public-key-placeholder", body["publicKey"])
}

func TestStoreOutageIsServiceUnavailable(t *testing.T) {
	srv := newTestServer(t)
	srv.store.SetFailure(errors.New("connection refused"))

	w := srv.do(t, http.MethodPost, "/auth/login", `{"email":"a@x.com","password":"Abc12345!"}`, "")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "Service temporarily unavailable", decode(t, w)["error"])
	assert.NotContains(t, w.Body.String(), "connection refused")
}
