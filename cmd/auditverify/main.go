// Command auditverify runs an integrity check over the hash chain and
// exits non-zero when the chain is broken. Intended for cron and
// incident-response use.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/kausnet/settlecore/internal/audit"
	"github.com/kausnet/settlecore/internal/ledgerstore"
	"github.com/kausnet/settlecore/pkg/hashutil"
)

func main() {
	window := flag.Int("window", audit.DefaultVerifyWindow, "number of most recent entries to verify")
	timeout := flag.Duration("timeout", 30*time.Second, "overall deadline for the check")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	hashutil.MustSelfCheck()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL not set")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		log.Fatal("database unreachable", zap.Error(err))
	}

	store := ledgerstore.NewFallbackEntryStore(
		ledgerstore.NewPostgresEntryStore(db), ledgerstore.NewMemoryEntryStore(), log, nil)
	ledger := audit.NewLedger(store, log, nil)

	report, err := ledger.VerifyIntegrity(ctx, *window)
	if err != nil {
		log.Fatal("verification failed to run", zap.Error(err))
	}

	out, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(out))

	if !report.Valid {
		os.Exit(1)
	}
}
