package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"deposit-engine/internal/clients"
	"deposit-engine/internal/config"
	"deposit-engine/internal/db"
	"deposit-engine/internal/models"
)

// verify-connections checks every backend the engine depends on: database
// tables, NATS stream, Redis lease table and one verified connection per chain.
func main() {
	configPath := flag.String("config", "", "config file (default config.yaml / config.local.yaml)")
	timeout := flag.Duration("timeout", 15*time.Second, "per-check timeout")
	flag.Parse()

	fmt.Println("🔍 Verifying deposit engine connections...")

	if err := config.LoadConfig(*configPath); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg := config.AppConfig

	failed := 0
	check := func(name string, fn func(ctx context.Context) (string, error)) {
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		defer cancel()
		detail, err := fn(ctx)
		if err != nil {
			failed++
			fmt.Printf("❌ %-22s %v\n", name, err)
			return
		}
		fmt.Printf("✅ %-22s %s\n", name, detail)
	}

	check("database", func(ctx context.Context) (string, error) {
		gdb, err := db.Open(cfg.Database)
		if err != nil {
			return "", err
		}
		sqlDB, err := gdb.DB()
		if err != nil {
			return "", err
		}
		defer sqlDB.Close()

		var dbName string
		if err := sqlDB.QueryRowContext(ctx, "SELECT current_database()").Scan(&dbName); err != nil {
			return "", err
		}
		missing := []string{}
		for _, table := range []interface{}{&models.PendingTransfer{}, &models.DepositHandoff{}, &models.CustodialAddress{}} {
			if !gdb.Migrator().HasTable(table) {
				missing = append(missing, fmt.Sprintf("%T", table))
			}
		}
		if len(missing) > 0 {
			return "", fmt.Errorf("connected to %s but tables are missing: %v (start the engine once to migrate)", dbName, missing)
		}
		return dbName, nil
	})

	check("nats", func(ctx context.Context) (string, error) {
		if cfg.NATS.URL == "" {
			return "", fmt.Errorf("nats.url is not set")
		}
		client, err := clients.NewNATSClient(cfg.NATS)
		if err != nil {
			return "", err
		}
		defer client.Close()
		return fmt.Sprintf("%s stream=%s", cfg.NATS.URL, cfg.NATS.LedgerStream), nil
	})

	check("redis", func(ctx context.Context) (string, error) {
		if cfg.Redis.Addr == "" {
			return "not configured, leases kept in memory", nil
		}
		client, err := clients.NewRedisClient(cfg.Redis)
		if err != nil {
			return "", err
		}
		defer client.Close()
		return cfg.Redis.Addr, nil
	})

	pool := clients.NewConnectionPool(cfg.Chains, nil, cfg.Engine.HealthCheckTimeout)
	defer pool.Close()

	names := make([]string, 0, len(cfg.Chains))
	for name := range cfg.Chains {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		chain := cfg.Chains[name]
		if !chain.Enabled || models.ChainFamily(chain.Family) == models.ChainFamilyDelegated {
			continue
		}
		check("chain "+name, func(ctx context.Context) (string, error) {
			conn, err := pool.Acquire(ctx, name)
			if err != nil {
				return "", err
			}
			mode := "poll"
			if conn.Push {
				mode = "push"
			}
			return fmt.Sprintf("%s (%s)", conn.Endpoint, mode), nil
		})
	}

	if failed > 0 {
		fmt.Printf("\n%d check(s) failed\n", failed)
		os.Exit(1)
	}
	fmt.Println("\n🎉 All connections verified")
}
