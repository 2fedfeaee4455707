//go:build ignore

package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"
)

// go run scripts/generate-totp.go            current code for ADMIN_TOTP_SECRET
// go run scripts/generate-totp.go -init      new TOTP secret + admin token with its bcrypt hash
func main() {
	initSecrets := flag.Bool("init", false, "generate a new TOTP secret and admin token")
	flag.Parse()

	if *initSecrets {
		key, err := totp.Generate(totp.GenerateOpts{
			Issuer:      "Deposit Engine Admin",
			AccountName: "admin@deposit-engine",
			Period:      30,
			Digits:      otp.DigitsSix,
			Algorithm:   otp.AlgorithmSHA1,
		})
		if err != nil {
			fmt.Printf("Error generating TOTP secret: %v\n", err)
			os.Exit(1)
		}
		adminToken := strings.ReplaceAll(uuid.NewString(), "-", "")
		hash, err := bcrypt.GenerateFromPassword([]byte(adminToken), bcrypt.DefaultCost)
		if err != nil {
			fmt.Printf("Error hashing admin token: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("ADMIN_TOTP_SECRET=%s\n", key.Secret())
		fmt.Printf("ADMIN_TOKEN_HASH='%s'\n", hash)
		fmt.Printf("Admin token (keep it, it is not stored): %s\n", adminToken)
		fmt.Printf("Authenticator URL: %s\n", key.URL())
		return
	}

	secret := os.Getenv("ADMIN_TOTP_SECRET")
	if secret == "" {
		fmt.Println("ADMIN_TOTP_SECRET is not set")
		os.Exit(1)
	}

	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		fmt.Printf("Error generating TOTP code: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Current TOTP Code: %s\n", code)
	fmt.Printf("Valid for: ~30 seconds\n")
}
