// Package main prints a summary of the load snapshots and match results the
// game server recorded in the store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"slices"
	"time"

	"github.com/cory-johannsen/gridlock/internal/config"
	"github.com/cory-johannsen/gridlock/internal/stats"
	"github.com/cory-johannsen/gridlock/internal/storage/postgres"
)

func main() {
	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	since := flag.Duration("since", 24*time.Hour, "how far back to report")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if cfg.Store.Driver != config.StorePostgres {
		log.Fatalf("store.driver is %q; only a postgres store outlives the server", cfg.Store.Driver)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	store, err := postgres.NewStore(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("connecting to database: %v", err)
	}
	defer store.Close()

	to := time.Now()
	sum, err := stats.Report(ctx, store, to.Add(-*since), to)
	if err != nil {
		log.Fatalf("building report: %v", err)
	}

	w := os.Stdout
	fmt.Fprintf(w, "window   %s .. %s\n", sum.From.Format(time.RFC3339), sum.To.Format(time.RFC3339))
	fmt.Fprintf(w, "matches  %d (%d distinct players)\n", sum.Matches, sum.Players)
	reasons := make([]string, 0, len(sum.ByReason))
	for r := range sum.ByReason {
		reasons = append(reasons, r)
	}
	slices.Sort(reasons)
	for _, r := range reasons {
		fmt.Fprintf(w, "  %-10s %d\n", r, sum.ByReason[r])
	}
	fmt.Fprintf(w, "samples  %d, peak online=%d rooms=%d queued=%d\n", sum.Snapshots, sum.Peak.Online, sum.Peak.Rooms, sum.Peak.Queued)
	if sum.Latest != nil {
		fmt.Fprintf(w, "latest   %s online=%d rooms=%d queued=%d\n",
			time.UnixMilli(sum.Latest.At).Format(time.RFC3339), sum.Latest.Online, sum.Latest.Rooms, sum.Latest.Queued)
	}
}
