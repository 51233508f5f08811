// The daily-sweep binary runs one pass of the daily engagement sweep and
// exits. It is meant to be invoked by cron; overlapping invocations are
// excluded with a lock file. Partial per-user failures are reported in the
// JSON summary on stdout but do not fail the run.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/lucasven/nexfinapp-sub008/internal/engagement"
	"github.com/lucasven/nexfinapp-sub008/internal/lockfile"
	"github.com/lucasven/nexfinapp-sub008/internal/store"
	"github.com/lucasven/nexfinapp-sub008/internal/sweep"
	"github.com/lucasven/nexfinapp-sub008/internal/util"
)

const (
	defaultStateDir   = "/var/lib/nexfinapp"
	defaultDBFileName = "nexfinapp.db"
	runTimeout        = 30 * time.Minute
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	level := slog.LevelInfo
	if util.ParseBoolEnv("NEXFINAPP_DEBUG", false) {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	stateDir := os.Getenv("NEXFINAPP_STATE_DIR")
	if stateDir == "" {
		stateDir = defaultStateDir
	}
	dbDSN := os.Getenv("DATABASE_URL")
	if dbDSN == "" {
		dbDSN = filepath.Join(stateDir, defaultDBFileName)
	}

	stateDirFlag := flag.String("state-dir", stateDir, "state directory (overrides $NEXFINAPP_STATE_DIR)")
	dsnFlag := flag.String("db-dsn", dbDSN, "database DSN (overrides $DATABASE_URL)")
	flag.Parse()

	// A second invocation while a sweep is still running exits cleanly; the
	// running sweep already covers this schedule slot.
	lock, err := lockfile.Acquire(*stateDirFlag, "daily-sweep")
	if err != nil {
		slog.Warn("Daily sweep already running, skipping", "error", err)
		return
	}
	defer lock.Release()

	st, err := store.NewStore(*dsnFlag)
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	job := sweep.NewDailyJob(st, engagement.NewEngine(st))
	result, err := job.Run(ctx, time.Now())
	if err != nil {
		slog.Error("Daily sweep aborted", "error", err)
		os.Exit(1)
	}

	json.NewEncoder(os.Stdout).Encode(result)
}
