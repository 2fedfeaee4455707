package handlers

import (
	"fmt"
	"net/http"
	"time"

	"deposit-engine/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp/totp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

const adminTokenTTL = 12 * time.Hour

// AdminLoginRequest 管理员登录请求
type AdminLoginRequest struct {
	Token    string `json:"token" binding:"required"`
	TOTPCode string `json:"totp_code"`
}

// AdminJWTClaims admin session claims
type AdminJWTClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// AdminAuthHandler exchanges the admin token (+ TOTP) for a short-lived admin JWT
type AdminAuthHandler struct {
	tokenHash  string
	totpSecret string
	logger     *logrus.Entry
}

func NewAdminAuthHandler(cfg config.AdminConfig) *AdminAuthHandler {
	if cfg.TokenHash == "" {
		logrus.Warn("⚠️ admin.tokenHash not configured, admin login is disabled")
	}
	if cfg.TOTPSecret == "" {
		logrus.Warn("⚠️ admin.totpSecret not configured, admin login is single-factor")
	}
	return &AdminAuthHandler{
		tokenHash:  cfg.TokenHash,
		totpSecret: cfg.TOTPSecret,
		logger:     logrus.WithField("component", "admin_auth"),
	}
}

// AdminLoginHandler POST /api/admin/login
func (h *AdminAuthHandler) AdminLoginHandler(c *gin.Context) {
	if h.tokenHash == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success": false,
			"error":   "admin login not configured",
			"code":    "ADMIN_DISABLED",
		})
		return
	}

	var req AdminLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   fmt.Sprintf("Invalid request: %v", err),
			"code":    "MALFORMED_REQUEST",
		})
		return
	}

	if bcrypt.CompareHashAndPassword([]byte(h.tokenHash), []byte(req.Token)) != nil {
		h.logger.WithField("client_ip", c.ClientIP()).Warn("Admin login rejected - bad token")
		c.JSON(http.StatusUnauthorized, gin.H{
			"success": false,
			"error":   "Invalid credentials",
			"code":    "INVALID_CREDENTIALS",
		})
		return
	}
	if h.totpSecret != "" && !totp.Validate(req.TOTPCode, h.totpSecret) {
		h.logger.WithField("client_ip", c.ClientIP()).Warn("Admin login rejected - bad TOTP code")
		c.JSON(http.StatusUnauthorized, gin.H{
			"success": false,
			"error":   "Invalid TOTP code",
			"code":    "INVALID_TOTP",
		})
		return
	}

	token, expiresAt, err := GenerateAdminJWTToken(adminTokenTTL)
	if err != nil {
		respondError(c, err)
		return
	}

	h.logger.WithField("client_ip", c.ClientIP()).Info("🔑 Admin login")
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"token":      token,
		"expires_at": expiresAt,
	})
}

func adminIssuer() string {
	return jwtIssuer() + "-admin"
}

// GenerateAdminJWTToken signs an admin session with the engine secret
func GenerateAdminJWTToken(ttl time.Duration) (string, time.Time, error) {
	secret, err := jwtSecret()
	if err != nil {
		return "", time.Time{}, err
	}
	now := time.Now()
	expiresAt := now.Add(ttl)
	claims := AdminJWTClaims{
		Role: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    adminIssuer(),
			Subject:   "admin",
		},
	}
	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, expiresAt, nil
}

// ValidateAdminJWTToken 验证管理员 JWT token
func ValidateAdminJWTToken(tokenString string) (*AdminJWTClaims, error) {
	secret, err := jwtSecret()
	if err != nil {
		return nil, err
	}

	token, err := jwt.ParseWithClaims(tokenString, &AdminJWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	}, jwt.WithIssuer(adminIssuer()), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if claims, ok := token.Claims.(*AdminJWTClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, fmt.Errorf("invalid token")
}
