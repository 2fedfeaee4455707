package middleware

import (
	"net/http"
	"strings"

	"deposit-engine/internal/handlers"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AuthMiddleware JWT
type AuthMiddleware struct {
	logger *logrus.Logger
}

// NewAuthMiddleware createJWT
func NewAuthMiddleware(logger *logrus.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		logger: logger,
	}
}

// bearerToken returns the token of an "Authorization: Bearer" header, or a response code on failure
func bearerToken(c *gin.Context) (string, string) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return "", "MISSING_AUTH_HEADER"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "INVALID_AUTH_FORMAT"
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", "EMPTY_TOKEN"
	}
	return token, ""
}

// RequireAuth JWT; sets user_id and wallet_id on the context
func (a *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, code := bearerToken(c)
		if code != "" {
			a.logger.WithFields(logrus.Fields{
				"path":   c.Request.URL.Path,
				"method": c.Request.Method,
				"code":   code,
			}).Warn("JWT auth failed")

			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "Authentication required",
				"message": "Authorization header must be in format: Bearer <token>",
				"code":    code,
			})
			return
		}

		claims, err := handlers.ValidateJWTToken(tokenString)
		if err != nil {
			a.logger.WithFields(logrus.Fields{
				"path":   c.Request.URL.Path,
				"method": c.Request.Method,
				"error":  err.Error(),
			}).Warn("JWT auth failed - invalid token")

			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "Invalid or expired token",
				"code":    "INVALID_TOKEN",
			})
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("wallet_id", claims.WalletID)

		a.logger.WithFields(logrus.Fields{
			"path":      c.Request.URL.Path,
			"wallet_id": claims.WalletID,
		}).Debug("JWT auth success")

		c.Next()
	}
}
