package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"deposit-engine/internal/config"
	"deposit-engine/internal/handlers"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	walletID := flag.String("wallet", "wallet-dev-1", "wallet id carried by the token")
	userID := flag.String("user", "user-dev-1", "user id carried by the token")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	// signs with auth.jwtSecret (JWT_SECRET overrides)
	if err := config.LoadConfig(*configPath); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	tokenString, err := handlers.GenerateJWTToken(*userID, *walletID, *ttl)
	if err != nil {
		log.Fatalf("Error generating token: %v", err)
	}

	fmt.Println("============================================================")
	fmt.Println("JWT Token Generated for Testing")
	fmt.Println("============================================================")
	fmt.Println()
	fmt.Println("Token:")
	fmt.Println(tokenString)
	fmt.Println()
	fmt.Println("Claims:")
	fmt.Printf("  User ID: %s\n", *userID)
	fmt.Printf("  Wallet ID: %s\n", *walletID)
	fmt.Printf("  Expires: %s\n", time.Now().Add(*ttl).Format(time.RFC3339))
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Printf("  websocat 'ws://localhost:%d/ws?token=%s'\n", config.AppConfig.Server.Port, tokenString)
	fmt.Println(`  then send {"action":"watch","chain":"ethereum","currency":"ETH"}`)
}
