// ledger-rebuild recomputes every ledger item's current_qty from its movement
// rows. current_qty is only a cache of the movement fold, so this is always
// safe to run; --dry-run reports drift without writing.
//
// A redis lock ("lock:ledger-rebuild") keeps concurrent rebuilds from racing
// each other when redis is configured. Without redis the command still runs,
// relying on the row locks RebuildItemQuantities takes.
//
// Usage:
//   DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/ledger-rebuild [--dry-run]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"bitbucket.org/mmdatafocus/forms_backend/config"
	"bitbucket.org/mmdatafocus/forms_backend/workflow"
	"github.com/bsm/redislock"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "Report drift without updating item quantities")
	skipRedis := flag.Bool("skip-redis", false, "Run without the redis rebuild lock")
	flag.Parse()

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	logger := config.GetLogger()

	if !*skipRedis {
		config.ConnectRedisWithRetry()
		locker := config.GetRedisLock()
		if locker != nil {
			lock, err := locker.Obtain(ctx, "lock:ledger-rebuild", 10*time.Minute, &redislock.Options{
				RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(2*time.Second), 5),
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "another rebuild appears to be running: %v\n", err)
				os.Exit(1)
			}
			defer lock.Release(ctx)
		}
	}

	drifts, err := workflow.RebuildItemQuantities(ctx, db, logger, *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rebuild failed: %v\n", err)
		os.Exit(1)
	}

	if len(drifts) == 0 {
		fmt.Println("all item quantities match their movement sums")
		return
	}
	for _, d := range drifts {
		fmt.Printf("item=%d code=%s current=%s ledger=%s\n",
			d.ItemId, d.Code, d.CurrentQty.String(), d.LedgerQty.String())
	}
	if *dryRun {
		fmt.Printf("dry run: %d item(s) drifted, nothing written\n", len(drifts))
	} else {
		fmt.Printf("corrected %d item(s)\n", len(drifts))
	}
}
