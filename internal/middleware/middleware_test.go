package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"taybat_back_end/internal/identity"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret")

func sign(t *testing.T, key []byte, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func router(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handlers = append(handlers, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": c.GetString("user_id")})
	})
	r.GET("/", handlers...)
	return r
}

func TestAuthRequired(t *testing.T) {
	t.Parallel()
	valid := sign(t, secret, jwt.MapClaims{"user_id": "c1", "role": "customer", "exp": time.Now().Add(time.Hour).Unix()})

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Token " + valid, http.StatusUnauthorized},
		{"wrong key", "Bearer " + sign(t, []byte("autre"), jwt.MapClaims{"user_id": "c1"}), http.StatusUnauthorized},
		{"expired", "Bearer " + sign(t, secret, jwt.MapClaims{"user_id": "c1", "exp": time.Now().Add(-time.Minute).Unix()}), http.StatusUnauthorized},
		{"no user", "Bearer " + sign(t, secret, jwt.MapClaims{"role": "admin"}), http.StatusUnauthorized},
		{"ok", "Bearer " + valid, http.StatusOK},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := router(AuthRequired(secret))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.status {
				t.Fatalf("expected %v, got %v (%s)", tt.status, w.Code, w.Body.String())
			}
		})
	}
}

func TestErrorBodyShape(t *testing.T) {
	t.Parallel()
	r := router(AuthRequired(secret))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	var body struct {
		Error struct {
			Kind      string `json:"kind"`
			Message   string `json:"message"`
			Retryable bool   `json:"retryable"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "unauthorized", body.Error.Kind)
	assert.NotEmpty(t, body.Error.Message)
	assert.False(t, body.Error.Retryable)
}

func TestRequireAnyRole(t *testing.T) {
	t.Parallel()
	ids := identity.NewStatic().Grant("s1", identity.RoleSeller).Grant("a1", identity.RoleAdmin)
	as := func(userID string) gin.HandlerFunc {
		return func(c *gin.Context) { c.Set("user_id", userID) }
	}

	tests := []struct {
		user   string
		status int
	}{
		{"s1", http.StatusOK},
		{"a1", http.StatusOK},
		{"c1", http.StatusForbidden},
		{"", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		tt := tt
		t.Run("user "+tt.user, func(t *testing.T) {
			t.Parallel()
			r := router(as(tt.user), RequireAnyRole(ids, identity.RoleSeller, identity.RoleAdmin))
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestRequireApprovedDriver(t *testing.T) {
	t.Parallel()
	ids := identity.NewStatic().ApproveDriver("d1")

	for user, want := range map[string]int{"d1": http.StatusOK, "d2": http.StatusForbidden} {
		r := router(func(c *gin.Context) { c.Set("user_id", user) }, RequireApprovedDriver(ids))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, want, w.Code, user)
	}
}

func TestRateLimitWithoutRedisPassesThrough(t *testing.T) {
	t.Parallel()
	r := router(APIRateLimit(nil))
	for i := 0; i < APIMaxRequests+1; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, w.Code)
	}
}
