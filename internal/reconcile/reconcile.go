// Package reconcile drives one import run: it scans the watched directory,
// parses every batch file, matches candidates against the store and commits
// the resulting inserts, refreshes and deletions as one atomic unit.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"rentwatch/server/internal/ingest"
	"rentwatch/server/internal/model"
	"rentwatch/server/internal/store"
)

// RunError aborts an entire run; no partial state is left visible and no
// version marker is recorded.
type RunError struct {
	Stage string
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("import run failed during %s: %v", e.Stage, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Reconciler serializes import runs against one store. Two runs never
// interleave: a sweep computed against a sibling run's partial view could
// delete listings that were in fact re-sighted.
type Reconciler struct {
	store  *store.Store
	parser *ingest.Parser
	logger *slog.Logger

	mu  sync.Mutex
	now func() time.Time
}

// New constructs a Reconciler.
func New(st *store.Store, parser *ingest.Parser, logger *slog.Logger) *Reconciler {
	return &Reconciler{store: st, parser: parser, logger: logger, now: time.Now}
}

// WeekID renders the YYWW version label for a point in time, e.g. "2632"
// for ISO week 32 of 2026.
func WeekID(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%02d%02d", year%100, week)
}

// Run executes one full import run over the directory's CSV files and
// returns the run report with the newly appended version marker. Re-running
// against an unchanged directory is idempotent: all keys refresh, nothing
// is inserted or deleted, and a fresh marker with zero counts is appended.
func (r *Reconciler) Run(ctx context.Context, dir string) (model.RunReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := r.now().UTC()
	weekID := WeekID(start)

	// Scanning.
	files, err := scanBatchFiles(dir)
	if err != nil {
		return model.RunReport{}, &RunError{Stage: "scanning", Err: err}
	}
	r.logger.Info("import run started", "week", weekID, "dir", dir, "files", len(files))

	// Parsing. File-level failures skip the file and continue; the run
	// only aborts on directory-level problems.
	var (
		reports     []model.FileReport
		candidates  []model.Candidate
		skippedRows int
		parsedFiles int
	)
	for _, file := range files {
		cands, report, err := r.parser.ParseFile(filepath.Join(dir, file))
		if err != nil {
			r.logger.Warn("batch file skipped", "file", file, "error", err)
			report.Error = err.Error()
			reports = append(reports, report)
			continue
		}
		parsedFiles++
		skippedRows += len(report.Skipped)
		reports = append(reports, report)
		candidates = append(candidates, cands...)
	}

	// A run that parsed nothing must not sweep: an empty or fully corrupt
	// batch says nothing about which listings are gone. Record the run and
	// leave the store untouched.
	if parsedFiles == 0 {
		marker, err := r.store.AppendVersion(ctx, model.VersionMarker{
			WeekID:      weekID,
			ImportedAt:  start,
			SkippedRows: skippedRows,
		})
		if err != nil {
			return model.RunReport{}, &RunError{Stage: "committing", Err: err}
		}
		r.logger.Info("import run committed as no-op", "week", marker.WeekID, "files", len(files))
		return model.RunReport{Marker: marker, Files: reports}, nil
	}

	// De-duplicate within the batch before matching; the last sighting of a
	// key wins so one run never counts a listing as both insert and
	// re-match.
	candidates = dedupeByKey(candidates)

	// Matching.
	var (
		inserts   []model.Candidate
		refreshes []store.Refresh
	)
	for _, cand := range candidates {
		existing, err := r.store.ActiveByKey(ctx, cand.Address, cand.RentMonthly)
		if err != nil {
			return model.RunReport{}, &RunError{Stage: "matching", Err: err}
		}
		switch {
		case len(existing) == 0:
			inserts = append(inserts, cand)
		default:
			if len(existing) > 1 {
				r.logger.Warn("consistency warning: duplicate active key",
					"address", cand.Address, "rent", cand.RentMonthly, "count", len(existing), "using_id", existing[0].ID)
			}
			refreshes = append(refreshes, store.Refresh{
				ID:               existing[0].ID,
				Floor:            cand.Floor,
				RenovationStatus: cand.RenovationStatus,
				BuildingType:     cand.BuildingType,
			})
		}
	}

	// Sweeping and Committing happen inside one store transaction.
	marker, err := r.store.ApplyRun(ctx, store.RunMutation{
		WeekID:      weekID,
		Date:        start,
		FileCount:   parsedFiles,
		SkippedRows: skippedRows,
		Inserts:     inserts,
		Refreshes:   refreshes,
	})
	if err != nil {
		return model.RunReport{}, &RunError{Stage: "committing", Err: err}
	}

	r.logger.Info("import run committed",
		"week", marker.WeekID, "files", marker.FileCount,
		"inserted", marker.InsertedCount, "deleted", marker.DeletedCount,
		"refreshed", len(refreshes), "skipped_rows", marker.SkippedRows)

	return model.RunReport{Marker: marker, Files: reports, Refreshed: len(refreshes)}, nil
}

// scanBatchFiles lists the directory's CSV files in name order. An empty
// directory is a valid no-op run.
func scanBatchFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read watched directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".csv") || strings.HasSuffix(name, "_converted.csv") {
			continue
		}
		files = append(files, name)
	}
	sort.Strings(files)
	return files, nil
}

// dedupeByKey keeps the last sighting of each (address, rent) key while
// preserving first-seen order.
func dedupeByKey(cands []model.Candidate) []model.Candidate {
	latest := make(map[model.ListingKey]model.Candidate, len(cands))
	var order []model.ListingKey
	for _, cand := range cands {
		key := cand.Key()
		if _, ok := latest[key]; !ok {
			order = append(order, key)
		}
		latest[key] = cand
	}

	out := make([]model.Candidate, 0, len(order))
	for _, key := range order {
		out = append(out, latest[key])
	}
	return out
}

// IsRunError reports whether err represents a failed run.
func IsRunError(err error) bool {
	var re *RunError
	return errors.As(err, &re)
}
