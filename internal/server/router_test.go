package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhalm/formguard"
	"github.com/nhalm/formguard/config"
	"github.com/nhalm/formguard/fieldcipher"
	"github.com/nhalm/formguard/ratelimit"
	"github.com/nhalm/formguard/store"
)

const submissionBody = `{"name":"Ada","email":"ada@example.com","message":"Hello"}`

func newTestRouter(t *testing.T, opts Options, maxRequests int) http.Handler {
	t.Helper()

	st := store.NewMemory(store.WithCleanupInterval(0))
	t.Cleanup(func() { st.Close() })

	cfg := ratelimit.Config{Window: time.Minute, MaxRequests: maxRequests}
	check, err := ratelimit.New(st, cfg, ratelimit.WithName("check"))
	require.NoError(t, err)
	submit, err := ratelimit.New(st, cfg, ratelimit.WithName("submit"))
	require.NoError(t, err)

	c, err := fieldcipher.New("router-test-secret")
	require.NoError(t, err)

	if opts.MaxBodyBytes == 0 {
		opts.MaxBodyBytes = 1 << 16
	}
	if opts.AllowedOrigins == nil {
		opts.AllowedOrigins = []string{"*"}
	}

	return NewRouter(opts, Limiters{Check: check, Submit: submit}, formguard.NewSubmissions(c, formguard.NewMemorySubmissions()))
}

func serve(h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouter_Health(t *testing.T) {
	h := newTestRouter(t, Options{}, 1)

	rec := serve(h, http.MethodGet, "/healthz", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestRouter_NotFoundAndMethod(t *testing.T) {
	h := newTestRouter(t, Options{}, 1)

	rec := serve(h, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "resource_not_found")

	rec = serve(h, http.MethodGet, "/v1/ratelimit/check", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRouter_CheckAndSubmitBudgetsAreSeparate(t *testing.T) {
	h := newTestRouter(t, Options{}, 1)

	rec := serve(h, http.MethodPost, "/v1/ratelimit/check", `{"identifier":"192.0.2.1"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(h, http.MethodPost, "/v1/ratelimit/check", `{"identifier":"192.0.2.1"}`, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = serve(h, http.MethodPost, "/v1/submissions", submissionBody, nil)
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = serve(h, http.MethodPost, "/v1/submissions", submissionBody, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestRouter_TrustProxy(t *testing.T) {
	h := newTestRouter(t, Options{TrustProxy: true}, 1)

	rec := serve(h, http.MethodPost, "/v1/submissions", submissionBody, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(h, http.MethodPost, "/v1/submissions", submissionBody, map[string]string{"X-Forwarded-For": "203.0.113.5"})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = serve(h, http.MethodPost, "/v1/submissions", submissionBody, map[string]string{"X-Forwarded-For": "203.0.113.6"})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestRouter_SubmissionReads(t *testing.T) {
	h := newTestRouter(t, Options{AdminAPIKeys: []string{"admin"}}, 5)

	rec := serve(h, http.MethodPost, "/v1/submissions", submissionBody, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))

	rec = serve(h, http.MethodGet, "/v1/submissions/"+created.ID, "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(h, http.MethodGet, "/v1/submissions/"+created.ID, "", map[string]string{"X-API-Key": "admin"})
	require.Equal(t, http.StatusOK, rec.Code)

	var view formguard.SubmissionView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&view))
	assert.Equal(t, "ada@example.com", view.Email)
	assert.Equal(t, "Hello", view.Message)
}

func TestRouter_SubmissionReadsDisabledWithoutKeys(t *testing.T) {
	h := newTestRouter(t, Options{}, 5)

	rec := serve(h, http.MethodGet, "/v1/submissions/00000000-0000-0000-0000-000000000000", "", map[string]string{"X-API-Key": "admin"})

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_BodyLimit(t *testing.T) {
	h := newTestRouter(t, Options{MaxBodyBytes: 16}, 5)

	rec := serve(h, http.MethodPost, "/v1/ratelimit/check", `{"identifier":"a-very-long-identifier"}`, nil)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestRouter_CORS(t *testing.T) {
	h := newTestRouter(t, Options{AllowedOrigins: []string{"https://example.com"}}, 5)

	rec := serve(h, http.MethodOptions, "/v1/submissions", "", map[string]string{
		"Origin":                        "https://example.com",
		"Access-Control-Request-Method": http.MethodPost,
	})
	assert.Equal(t, "https://example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = serve(h, http.MethodGet, "/healthz", "", map[string]string{"Origin": "https://evil.example"})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestNewStore(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		st, err := NewStore(config.StoreConfig{Type: config.StoreMemory})
		require.NoError(t, err)
		assert.IsType(t, &store.Memory{}, st)
		assert.NoError(t, st.Close())
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)

		st, err := NewStore(config.StoreConfig{
			Type:  config.StoreRedis,
			Redis: config.RedisConfig{Addr: mr.Addr(), Prefix: "test:"},
		})
		require.NoError(t, err)
		assert.IsType(t, &store.Redis{}, st)
		assert.NoError(t, st.Close())
	})

	t.Run("redis unreachable", func(t *testing.T) {
		mr := miniredis.NewMiniRedis()
		require.NoError(t, mr.Start())
		addr := mr.Addr()
		mr.Close()

		_, err := NewStore(config.StoreConfig{Type: config.StoreRedis, Redis: config.RedisConfig{Addr: addr}})
		assert.Error(t, err)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := NewStore(config.StoreConfig{Type: "memcached"})
		assert.Error(t, err)
	})
}
