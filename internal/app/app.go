// Package app wires together the RentWatch services and serves the read and
// import API consumed by the map front end.
package app

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"rentwatch/server/internal/config"
	"rentwatch/server/internal/ingest"
	"rentwatch/server/internal/model"
	"rentwatch/server/internal/notify"
	"rentwatch/server/internal/reconcile"
	"rentwatch/server/internal/stats"
	"rentwatch/server/internal/store"
)

// App manages the service lifecycle.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	store      *store.Store
	reconciler *reconcile.Reconciler
	stats      *stats.Aggregator
	notifier   *notify.Notifier
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// initServices opens the store and builds the import and query components.
func (a *App) initServices(ctx context.Context) error {
	db, err := store.Open(a.cfg.DatabasePath)
	if err != nil {
		return err
	}
	a.store = db

	if err := a.store.InitSchema(ctx); err != nil {
		return err
	}

	columns := ingest.DefaultColumnMap()
	if a.cfg.ColumnMapPath != "" {
		columns, err = ingest.LoadColumnMap(a.cfg.ColumnMapPath)
		if err != nil {
			return err
		}
		a.logger.Info("loaded column mapping", "path", a.cfg.ColumnMapPath)
	}

	parser := ingest.New(columns, a.logger)
	a.reconciler = reconcile.New(a.store, parser, a.logger)
	a.stats = stats.New(a.store)

	if a.cfg.MQTTBroker != "" {
		notifier, err := notify.New(a.cfg.MQTTBroker, a.cfg.MQTTTopic, a.logger)
		if err != nil {
			// The notifier is best-effort; imports and queries work
			// without it.
			a.logger.Warn("run notifier unavailable", "error", err)
		} else {
			a.notifier = notifier
		}
	}

	return nil
}

// Run starts the service and blocks until the context is cancelled or an
// error occurs.
func (a *App) Run(ctx context.Context) error {
	if err := a.initServices(ctx); err != nil {
		return err
	}
	defer func() {
		if a.notifier != nil {
			a.notifier.Close()
		}
		if cerr := a.store.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}()

	if a.cfg.ImportOnStart {
		go func() {
			report, err := a.reconciler.Run(ctx, a.cfg.WatchDir)
			if err != nil {
				a.logger.Error("startup import failed", "error", err)
				return
			}
			a.announce(report.Marker)
		}()
	}

	httpErrCh := make(chan error, 1)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler: a.routes(),
	}

	go func() {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		a.logger.Info("http server stopped")
		return nil
	case err := <-httpErrCh:
		return err
	}
}

func (a *App) announce(marker model.VersionMarker) {
	if a.notifier != nil {
		a.notifier.RunCompleted(marker)
	}
}

func (a *App) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", a.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.handleReadyz).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/versions", a.handleVersions).Methods(http.MethodGet)
	api.HandleFunc("/statistics", a.handleStatistics).Methods(http.MethodGet)
	api.HandleFunc("/listings", a.handleListings).Methods(http.MethodGet)
	api.HandleFunc("/import", a.handleImport).Methods(http.MethodPost)
	api.HandleFunc("/export/listings", a.handleExportListings).Methods(http.MethodGet)
	api.HandleFunc("/admin/status", a.handleAdminStatus).Methods(http.MethodGet)
	api.HandleFunc("/admin/reset", a.handleAdminReset).Methods(http.MethodPost)

	return r
}

func (a *App) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("failed to encode response", "error", err)
	}
}

func (a *App) writeError(w http.ResponseWriter, status int, msg string) {
	a.writeJSON(w, status, map[string]string{"error": msg})
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if a.store == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func (a *App) handleVersions(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	versions, err := a.store.ListVersions(ctx)
	if err != nil {
		a.logger.Error("failed to load versions", "error", err)
		a.writeError(w, http.StatusInternalServerError, "failed to load versions")
		return
	}
	if versions == nil {
		versions = []model.VersionMarker{}
	}

	a.writeJSON(w, http.StatusOK, struct {
		Versions []model.VersionMarker `json:"versions"`
	}{Versions: versions})
}

// parseBBox reads a west,south,east,north query value in decimal degrees
// (the order emitted by the map widget's bounds helper).
func parseBBox(raw string) (*model.BoundingBox, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("bbox must be west,south,east,north")
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("bbox component %d: %w", i+1, err)
		}
		vals[i] = f
	}
	b := &model.BoundingBox{MinLng: vals[0], MinLat: vals[1], MaxLng: vals[2], MaxLat: vals[3]}
	if b.MinLat > b.MaxLat || b.MinLng > b.MaxLng {
		return nil, fmt.Errorf("bbox min exceeds max")
	}
	return b, nil
}

func (a *App) handleStatistics(w http.ResponseWriter, r *http.Request) {
	bbox, err := parseBBox(r.URL.Query().Get("bbox"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	address := r.URL.Query().Get("address")

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	report, err := a.stats.Report(ctx, bbox, address)
	if err != nil {
		a.logger.Error("failed to compute statistics", "error", err)
		a.writeError(w, http.StatusInternalServerError, "failed to compute statistics")
		return
	}
	if report.RoomTypes == nil {
		report.RoomTypes = []model.RoomTypeCount{}
	}
	if report.PerVersionDeltas == nil {
		report.PerVersionDeltas = []model.VersionMarker{}
	}

	a.writeJSON(w, http.StatusOK, report)
}

// listingSummary augments a listing with the dwell time shown on the map.
type listingSummary struct {
	model.Listing
	WeeksSincePublished int `json:"weeks_since_published"`
}

func weeksSincePublished(published time.Time, now time.Time) int {
	if published.IsZero() || published.After(now) {
		return 0
	}
	return int(now.Sub(published).Hours() / 24 / 7)
}

func (a *App) handleListings(w http.ResponseWriter, r *http.Request) {
	bbox, err := parseBBox(r.URL.Query().Get("bbox"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	status := model.StatusActive
	switch r.URL.Query().Get("status") {
	case "", "active":
	case "deleted":
		status = model.StatusDeleted
	default:
		a.writeError(w, http.StatusBadRequest, "status must be active or deleted")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	listings, err := a.store.ListListings(ctx, store.Filter{
		Status:  status,
		Address: r.URL.Query().Get("address"),
		BBox:    bbox,
	})
	if err != nil {
		a.logger.Error("failed to load listings", "error", err)
		a.writeError(w, http.StatusInternalServerError, "failed to load listings")
		return
	}

	now := time.Now().UTC()
	summaries := make([]listingSummary, 0, len(listings))
	for _, l := range listings {
		summaries = append(summaries, listingSummary{
			Listing:             l,
			WeeksSincePublished: weeksSincePublished(l.FirstPublished, now),
		})
	}

	a.writeJSON(w, http.StatusOK, struct {
		Count    int              `json:"count"`
		Listings []listingSummary `json:"listings"`
	}{Count: len(summaries), Listings: summaries})
}

func (a *App) handleImport(w http.ResponseWriter, r *http.Request) {
	report, err := a.reconciler.Run(r.Context(), a.cfg.WatchDir)
	if err != nil {
		a.logger.Error("import run failed", "error", err)
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	a.announce(report.Marker)
	if report.Files == nil {
		report.Files = []model.FileReport{}
	}
	a.writeJSON(w, http.StatusOK, report)
}

func (a *App) handleExportListings(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	listings, err := a.store.ListListings(ctx, store.Filter{Status: model.StatusActive})
	if err != nil {
		a.logger.Error("export: failed to load listings", "error", err)
		a.writeError(w, http.StatusInternalServerError, "failed to load listings")
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=rentwatch_listings.csv")

	csvWriter := csv.NewWriter(w)
	defer csvWriter.Flush()

	if err := csvWriter.Write([]string{
		"id",
		"title",
		"address",
		"rent_monthly",
		"area",
		"room_type",
		"floor",
		"latitude",
		"longitude",
		"building_type",
		"renovation_status",
		"first_published",
		"upload_week",
	}); err != nil {
		a.logger.Error("export: failed to write header", "error", err)
		return
	}

	for _, l := range listings {
		firstPublished := ""
		if !l.FirstPublished.IsZero() {
			firstPublished = l.FirstPublished.UTC().Format("2006-01-02")
		}
		row := []string{
			strconv.FormatInt(l.ID, 10),
			l.Title,
			l.Address,
			strconv.Itoa(l.RentMonthly),
			fmt.Sprintf("%.2f", l.Area),
			l.RoomType,
			l.Floor,
			fmt.Sprintf("%.6f", l.Latitude),
			fmt.Sprintf("%.6f", l.Longitude),
			l.BuildingType,
			l.RenovationStatus,
			firstPublished,
			l.UploadWeek,
		}
		if err := csvWriter.Write(row); err != nil {
			a.logger.Error("export: failed to write row", "error", err)
			return
		}
	}

	if err := csvWriter.Error(); err != nil {
		a.logger.Error("export: writer error", "error", err)
	}
}

func (a *App) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	counts, err := a.store.TableCounts(ctx)
	if err != nil {
		a.logger.Error("failed to load table counts", "error", err)
		a.writeError(w, http.StatusInternalServerError, "failed to load status")
		return
	}

	versions, err := a.store.ListVersions(ctx)
	if err != nil {
		a.logger.Error("failed to load versions", "error", err)
		a.writeError(w, http.StatusInternalServerError, "failed to load status")
		return
	}
	if versions == nil {
		versions = []model.VersionMarker{}
	}

	a.writeJSON(w, http.StatusOK, struct {
		Database store.Counts          `json:"database"`
		Versions []model.VersionMarker `json:"versions"`
	}{Database: counts, Versions: versions})
}

func (a *App) handleAdminReset(w http.ResponseWriter, r *http.Request) {
	if a.cfg.AdminPassword == "" {
		a.writeError(w, http.StatusForbidden, "admin reset disabled")
		return
	}

	var body struct {
		Password string `json:"password"`
		Confirm  bool   `json:"confirm"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if body.Password != a.cfg.AdminPassword {
		a.writeError(w, http.StatusForbidden, "wrong password")
		return
	}
	if !body.Confirm {
		a.writeError(w, http.StatusBadRequest, "set confirm=true to reset the database")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := a.store.Wipe(ctx); err != nil {
		a.logger.Error("reset: failed", "error", err)
		a.writeError(w, http.StatusInternalServerError, "failed to reset database")
		return
	}

	a.logger.Warn("reset: all listings and versions cleared")
	w.WriteHeader(http.StatusNoContent)
}
