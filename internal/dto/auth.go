package dto

import "github.com/golang-jwt/jwt/v5"

// ==================== Auth DTOs ====================

// JWTClaims session token claims; the wallet service issues tokens with the same secret
type JWTClaims struct {
	UserID   string `json:"user_id"`
	WalletID string `json:"wallet_id"`
	jwt.RegisteredClaims
}
