package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"deposit-engine/internal/config"
	"deposit-engine/internal/handlers"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func withConfig(t *testing.T) {
	t.Helper()
	prev := config.AppConfig
	config.AppConfig = &config.Config{Auth: config.AuthConfig{JWTSecret: "middleware-secret"}}
	t.Cleanup(func() { config.AppConfig = prev })
}

func serve(r *gin.Engine, remote, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	if remote != "" {
		req.RemoteAddr = remote
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequireAuth(t *testing.T) {
	withConfig(t)
	r := gin.New()
	r.GET("/x", NewAuthMiddleware(logrus.New()).RequireAuth(), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("wallet_id"))
	})

	token, err := handlers.GenerateJWTToken("u1", "w1", time.Minute)
	require.NoError(t, err)

	w := serve(r, "", "Bearer "+token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "w1", w.Body.String())

	admin, _, err := handlers.GenerateAdminJWTToken(time.Minute)
	require.NoError(t, err)

	for name, header := range map[string]string{
		"missing":   "",
		"basic":     "Basic abc",
		"empty":     "Bearer ",
		"garbage":   "Bearer garbage",
		"admin jwt": "Bearer " + admin,
	} {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, http.StatusUnauthorized, serve(r, "", header).Code)
		})
	}
}

func TestRequireAdminAuth(t *testing.T) {
	withConfig(t)
	r := gin.New()
	r.GET("/x", NewAdminAuthMiddleware(logrus.New()).RequireAdminAuth(), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("admin_role"))
	})

	admin, _, err := handlers.GenerateAdminJWTToken(time.Minute)
	require.NoError(t, err)
	w := serve(r, "", "Bearer "+admin)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "admin", w.Body.String())

	session, err := handlers.GenerateJWTToken("u1", "w1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, serve(r, "", "Bearer "+session).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(r, "", "").Code)
}

func TestLocalhostOnly(t *testing.T) {
	ok := func(c *gin.Context) { c.Status(http.StatusNoContent) }

	strict := gin.New()
	strict.GET("/x", NewLocalhostOnly(logrus.New(), nil).Restrict(), ok)
	assert.Equal(t, http.StatusNoContent, serve(strict, "127.0.0.1:5000", "").Code)
	assert.Equal(t, http.StatusNoContent, serve(strict, "[::1]:5000", "").Code)
	assert.Equal(t, http.StatusForbidden, serve(strict, "192.0.2.10:5000", "").Code)

	listed := gin.New()
	listed.GET("/x", NewLocalhostOnly(logrus.New(), []string{"192.0.2.0/24", " 198.51.100.7 ", "not-a-cidr/99"}).Restrict(), ok)
	assert.Equal(t, http.StatusNoContent, serve(listed, "192.0.2.10:5000", "").Code)
	assert.Equal(t, http.StatusNoContent, serve(listed, "198.51.100.7:5000", "").Code)
	assert.Equal(t, http.StatusForbidden, serve(listed, "203.0.113.1:5000", "").Code)
}
