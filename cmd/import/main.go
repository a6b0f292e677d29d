// Command import runs a single reconciliation pass over a batch directory
// and prints the resulting version marker. Intended for cron.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"rentwatch/server/internal/ingest"
	"rentwatch/server/internal/reconcile"
	"rentwatch/server/internal/store"
)

func main() {
	dir := flag.String("dir", "upload", "Directory containing weekly CSV batch files")
	dbPath := flag.String("db", "data/rentwatch.db", "Path to the SQLite database")
	columnsPath := flag.String("columns", "", "Optional YAML column mapping file")
	verbose := flag.Bool("v", false, "Enable debug logging")

	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(*dbPath)
	if err != nil {
		logger.Error("failed to open store", "path", *dbPath, "error", err)
		os.Exit(1)
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			logger.Error("close store", "error", cerr)
		}
	}()

	if err := st.InitSchema(ctx); err != nil {
		logger.Error("failed to initialize schema", "error", err)
		os.Exit(1)
	}

	columns := ingest.DefaultColumnMap()
	if *columnsPath != "" {
		columns, err = ingest.LoadColumnMap(*columnsPath)
		if err != nil {
			logger.Error("failed to load column mapping", "path", *columnsPath, "error", err)
			os.Exit(1)
		}
	}

	reconciler := reconcile.New(st, ingest.New(columns, logger), logger)

	report, err := reconciler.Run(ctx, *dir)
	if err != nil {
		logger.Error("import run failed", "error", err)
		os.Exit(1)
	}

	for _, f := range report.Files {
		if f.Error != "" {
			logger.Warn("file skipped", "file", f.File, "error", f.Error)
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report.Marker); err != nil {
		logger.Error("failed to encode marker", "error", err)
		os.Exit(1)
	}
}
