package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"deposit-engine/internal/config"
	"deposit-engine/internal/dto"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const defaultIssuer = "deposit-engine"

type JWTClaims = dto.JWTClaims

func jwtSecret() ([]byte, error) {
	if config.AppConfig == nil || config.AppConfig.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("jwt secret not configured")
	}
	return []byte(config.AppConfig.Auth.JWTSecret), nil
}

func jwtIssuer() string {
	if config.AppConfig != nil && config.AppConfig.Auth.Issuer != "" {
		return config.AppConfig.Auth.Issuer
	}
	return defaultIssuer
}

// GenerateJWTToken signs a session token for walletID
func GenerateJWTToken(userID, walletID string, ttl time.Duration) (string, error) {
	secret, err := jwtSecret()
	if err != nil {
		return "", err
	}
	if walletID == "" {
		return "", fmt.Errorf("wallet id is required")
	}
	now := time.Now()
	claims := JWTClaims{
		UserID:   userID,
		WalletID: walletID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    jwtIssuer(),
			Subject:   walletID,
		},
	}

	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

// ValidateJWTToken verifies signature, expiry and issuer and requires a wallet id
func ValidateJWTToken(tokenString string) (*JWTClaims, error) {
	secret, err := jwtSecret()
	if err != nil {
		return nil, err
	}

	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	}, jwt.WithIssuer(jwtIssuer()), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.WalletID == "" {
		return nil, fmt.Errorf("token carries no wallet id")
	}
	return claims, nil
}

// tokenFromRequest query `token` first, then a Bearer header
func tokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}

// SessionInfoHandler echoes the authenticated session
// GET /api/session
func SessionInfoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"user_id":   c.GetString("user_id"),
		"wallet_id": c.GetString("wallet_id"),
	})
}
