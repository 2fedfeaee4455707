package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"deposit-engine/internal/config"

	_ "github.com/lib/pq"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	chain := flag.String("chain", "", "only entries of this chain")
	purge := flag.String("purge", "", "delete the pending entry with this tx id")
	olderThan := flag.Duration("older-than", 0, "only entries not updated for this long")
	flag.Parse()

	if err := config.LoadConfig(*configPath); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	sqlDB, err := sql.Open("postgres", config.AppConfig.Database.DSN)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer sqlDB.Close()
	if err := sqlDB.Ping(); err != nil {
		log.Fatalf("Failed to connect database: %v", err)
	}

	if *purge != "" {
		res, err := sqlDB.Exec(`DELETE FROM pending_transfers WHERE tx_id = $1`, *purge)
		if err != nil {
			log.Fatalf("Failed to purge %s: %v", *purge, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			fmt.Printf("⚠️ No pending entry with tx id %s\n", *purge)
			return
		}
		fmt.Printf("🗑️ Purged pending entry %s\n", *purge)
		return
	}

	query := `
		SELECT tx_id, chain, family, wallet_id, currency, amount, status,
		       COALESCE(external_status, ''), confirmations, required_confirmations, updated_at
		FROM pending_transfers
		WHERE ($1 = '' OR chain = $1)
		  AND updated_at <= $2
		ORDER BY updated_at ASC`
	cutoff := time.Now().Add(-*olderThan)
	rows, err := sqlDB.Query(query, *chain, cutoff)
	if err != nil {
		log.Fatalf("Failed to query: %v", err)
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TX ID\tCHAIN\tFAMILY\tWALLET\tCURRENCY\tAMOUNT\tSTATUS\tEXTERNAL\tCONF\tUPDATED")

	count := 0
	for rows.Next() {
		var txID, chainName, family, wallet, currency, amount, status, external string
		var confirmations, required int
		var updatedAt time.Time
		if err := rows.Scan(&txID, &chainName, &family, &wallet, &currency, &amount, &status, &external, &confirmations, &required, &updatedAt); err != nil {
			log.Printf("Error scanning row: %v", err)
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			txID, chainName, family, wallet, currency, amount, status, external,
			confirmations, required, updatedAt.Format(time.RFC3339))
		count++
	}
	if err := rows.Err(); err != nil {
		log.Fatalf("Failed to read rows: %v", err)
	}
	_ = w.Flush()
	fmt.Printf("\n📋 %d pending entr(ies)\n", count)
}
