package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cairn-dev/cairn/pkg/limiter"
)

var jwtSecret = []byte("auth-test-secret")

func authedHandler(t *testing.T, got *Principal) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := PrincipalFrom(r.Context())
		require.NoError(t, err)
		*got = p
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware_ValidToken(t *testing.T) {
	v := NewJWTValidator(jwtSecret)
	token, err := v.IssueToken("op-1", []string{RoleOperator}, time.Hour)
	require.NoError(t, err)

	var got Principal
	h := Middleware(v)(authedHandler(t, &got))

	r := httptest.NewRequest(http.MethodGet, "/api/projects", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "op-1", got.ID)
	assert.Equal(t, []string{RoleOperator}, got.Roles)
}

func TestMiddleware_Rejections(t *testing.T) {
	v := NewJWTValidator(jwtSecret)
	expired, err := v.IssueToken("op-1", nil, -time.Minute)
	require.NoError(t, err)
	wrongKey, err := NewJWTValidator([]byte("other-secret")).IssueToken("op-1", nil, time.Hour)
	require.NoError(t, err)

	cases := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not bearer", "Basic dXNlcjpwYXNz"},
		{"expired token", "Bearer " + expired},
		{"wrong key", "Bearer " + wrongKey},
		{"garbage token", "Bearer not.a.jwt"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler must not run")
			}))
			r := httptest.NewRequest(http.MethodGet, "/api/projects", nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, r)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestMiddleware_NilValidatorFailsClosed(t *testing.T) {
	h := Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))
	r := httptest.NewRequest(http.MethodGet, "/api/projects", nil)
	r.Header.Set("Authorization", "Bearer anything")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddleware_PublicPathBypasses(t *testing.T) {
	called := false
	h := Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.True(t, called)
}

func TestRequireRole(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("role present", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPut, "/api/spend-policy", nil)
		r = r.WithContext(WithPrincipal(r.Context(), Principal{ID: "op", Roles: []string{RoleOperator}}))
		RequireRole(RoleOperator, ok).ServeHTTP(rec, r)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("admin implies all roles", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPut, "/api/spend-policy", nil)
		r = r.WithContext(WithPrincipal(r.Context(), Principal{ID: "root", Roles: []string{RoleAdmin}}))
		RequireRole(RoleOperator, ok).ServeHTTP(rec, r)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("role missing", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPut, "/api/spend-policy", nil)
		r = r.WithContext(WithPrincipal(r.Context(), Principal{ID: "view", Roles: []string{RoleViewer}}))
		RequireRole(RoleOperator, ok).ServeHTTP(rec, r)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		rec := httptest.NewRecorder()
		RequireRole(RoleOperator, ok).ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/api/spend-policy", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestRequestID(t *testing.T) {
	t.Run("generated when absent", func(t *testing.T) {
		var seen string
		h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = RequestIDFrom(r.Context())
		}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.NotEmpty(t, seen)
		assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
	})

	t.Run("client value reused", func(t *testing.T) {
		var seen string
		h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = RequestIDFrom(r.Context())
		}))
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("X-Request-ID", "client-123")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		assert.Equal(t, "client-123", seen)
	})
}

func TestRateLimit(t *testing.T) {
	policy := limiter.Policy{RequestsPerMinute: 60, Burst: 2}
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("denies after burst", func(t *testing.T) {
		h := RateLimit(limiter.NewMemoryStore(), policy)(ok)
		r := httptest.NewRequest(http.MethodGet, "/api/ledger", nil)
		r.RemoteAddr = "10.0.0.1:1234"
		for i := 0; i < 2; i++ {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, r)
			assert.Equal(t, http.StatusOK, rec.Code)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	})

	t.Run("oracle header scopes the bucket", func(t *testing.T) {
		h := RateLimit(limiter.NewMemoryStore(), limiter.Policy{RequestsPerMinute: 60, Burst: 1})(ok)
		a := httptest.NewRequest(http.MethodGet, "/api/ledger", nil)
		a.Header.Set("X-Oracle-Id", "alpha")
		b := httptest.NewRequest(http.MethodGet, "/api/ledger", nil)
		b.Header.Set("X-Oracle-Id", "beta")

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, a)
		assert.Equal(t, http.StatusOK, rec.Code)
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, b)
		assert.Equal(t, http.StatusOK, rec.Code, "beta has its own bucket")
	})

	t.Run("nil store passes through", func(t *testing.T) {
		h := RateLimit(nil, policy)(ok)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
