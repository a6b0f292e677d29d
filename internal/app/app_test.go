package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"rentwatch/server/internal/config"
	"rentwatch/server/internal/model"
)

const batchHeader = "標題,地址,租金,坪數,房型,樓層,裝修狀態,緯度,經度\n"

func newTestApp(t *testing.T) (*App, string) {
	t.Helper()

	watchDir := t.TempDir()
	cfg := config.Config{
		DatabasePath:  filepath.Join(t.TempDir(), "rentwatch.db"),
		WatchDir:      watchDir,
		AdminPassword: "secret",
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	a := New(cfg, logger)
	if err := a.initServices(context.Background()); err != nil {
		t.Fatalf("initServices: %v", err)
	}
	t.Cleanup(func() { _ = a.store.Close() })

	return a, watchDir
}

func writeBatch(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func doRequest(t *testing.T, a *App, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	a.routes().ServeHTTP(rec, req)
	return rec
}

func TestImportThenQueryFlow(t *testing.T) {
	a, watchDir := newTestApp(t)
	writeBatch(t, watchDir, "batch.csv", batchHeader+
		"套房A,中和區景平路12號,12000,8.5,套房,3F,普通,25.0029,121.4993\n"+
		"兩房B,永和區永貞路88號,22000,15,2房1廳,5F,普通,25.0081,121.5136\n")

	rec := doRequest(t, a, http.MethodPost, "/api/import", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("import status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var report model.RunReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode import response: %v", err)
	}
	if report.Marker.InsertedCount != 2 {
		t.Errorf("inserted = %d, want 2", report.Marker.InsertedCount)
	}

	rec = doRequest(t, a, http.MethodGet, "/api/versions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("versions status = %d", rec.Code)
	}
	var versions struct {
		Versions []model.VersionMarker `json:"versions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &versions); err != nil {
		t.Fatal(err)
	}
	if len(versions.Versions) != 1 || versions.Versions[0].InsertedCount != 2 {
		t.Errorf("versions = %+v", versions.Versions)
	}

	rec = doRequest(t, a, http.MethodGet, "/api/listings?status=active", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("listings status = %d", rec.Code)
	}
	var listings struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listings); err != nil {
		t.Fatal(err)
	}
	if listings.Count != 2 {
		t.Errorf("listing count = %d, want 2", listings.Count)
	}

	rec = doRequest(t, a, http.MethodGet, "/api/statistics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("statistics status = %d", rec.Code)
	}
	var statsReport model.StatsReport
	if err := json.Unmarshal(rec.Body.Bytes(), &statsReport); err != nil {
		t.Fatal(err)
	}
	if statsReport.Count != 2 || statsReport.AvgRent != 17000 {
		t.Errorf("stats = %+v", statsReport)
	}
}

func TestListingsBBoxFilter(t *testing.T) {
	a, watchDir := newTestApp(t)
	writeBatch(t, watchDir, "batch.csv", batchHeader+
		"近,中和區景平路12號,12000,8.5,套房,3F,普通,25.0029,121.4993\n"+
		"遠,三峽區大學路1號,15000,12,套房,2F,普通,24.94,121.37\n")
	if rec := doRequest(t, a, http.MethodPost, "/api/import", ""); rec.Code != http.StatusOK {
		t.Fatalf("import status = %d", rec.Code)
	}

	rec := doRequest(t, a, http.MethodGet, "/api/listings?bbox=121.45,25.0,121.55,25.05", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("listings status = %d", rec.Code)
	}
	var resp struct {
		Count    int `json:"count"`
		Listings []struct {
			Address string `json:"address"`
		} `json:"listings"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 1 || resp.Listings[0].Address != "中和區景平路12號" {
		t.Errorf("resp = %+v", resp)
	}

	if rec := doRequest(t, a, http.MethodGet, "/api/listings?bbox=bogus", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("malformed bbox status = %d, want 400", rec.Code)
	}
}

func TestExportListingsCSV(t *testing.T) {
	a, watchDir := newTestApp(t)
	writeBatch(t, watchDir, "batch.csv", batchHeader+
		"套房A,中和區景平路12號,12000,8.5,套房,3F,普通,25.0029,121.4993\n")
	if rec := doRequest(t, a, http.MethodPost, "/api/import", ""); rec.Code != http.StatusOK {
		t.Fatalf("import status = %d", rec.Code)
	}

	rec := doRequest(t, a, http.MethodGet, "/api/export/listings", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("export status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("content type = %q", ct)
	}
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("export lines = %d, want header + 1 row", len(lines))
	}
	if !strings.Contains(lines[1], "中和區景平路12號") {
		t.Errorf("row = %q", lines[1])
	}
}

func TestAdminResetRequiresPasswordAndConfirm(t *testing.T) {
	a, watchDir := newTestApp(t)
	writeBatch(t, watchDir, "batch.csv", batchHeader+
		"套房A,中和區景平路12號,12000,8.5,套房,3F,普通,25.0029,121.4993\n")
	if rec := doRequest(t, a, http.MethodPost, "/api/import", ""); rec.Code != http.StatusOK {
		t.Fatalf("import status = %d", rec.Code)
	}

	if rec := doRequest(t, a, http.MethodPost, "/api/admin/reset", `{"password":"wrong","confirm":true}`); rec.Code != http.StatusForbidden {
		t.Errorf("wrong password status = %d, want 403", rec.Code)
	}
	if rec := doRequest(t, a, http.MethodPost, "/api/admin/reset", `{"password":"secret"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("unconfirmed status = %d, want 400", rec.Code)
	}
	if rec := doRequest(t, a, http.MethodPost, "/api/admin/reset", `{"password":"secret","confirm":true}`); rec.Code != http.StatusNoContent {
		t.Errorf("reset status = %d, want 204", rec.Code)
	}

	rec := doRequest(t, a, http.MethodGet, "/api/listings", "")
	var resp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 0 {
		t.Errorf("count after reset = %d, want 0", resp.Count)
	}
}

func TestAdminStatus(t *testing.T) {
	a, watchDir := newTestApp(t)
	writeBatch(t, watchDir, "batch.csv", batchHeader+
		"套房A,中和區景平路12號,12000,8.5,套房,3F,普通,25.0029,121.4993\n")
	if rec := doRequest(t, a, http.MethodPost, "/api/import", ""); rec.Code != http.StatusOK {
		t.Fatalf("import status = %d", rec.Code)
	}

	rec := doRequest(t, a, http.MethodGet, "/api/admin/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Database struct {
			ActiveListings int `json:"active_listings"`
		} `json:"database"`
		Versions []model.VersionMarker `json:"versions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Database.ActiveListings != 1 || len(resp.Versions) != 1 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestFailedImportReturnsError(t *testing.T) {
	a, _ := newTestApp(t)
	a.cfg.WatchDir = filepath.Join(t.TempDir(), "missing")

	rec := doRequest(t, a, http.MethodPost, "/api/import", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}

	versions := doRequest(t, a, http.MethodGet, "/api/versions", "")
	var resp struct {
		Versions []model.VersionMarker `json:"versions"`
	}
	if err := json.Unmarshal(versions.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Versions) != 0 {
		t.Error("failed import must not leave a version marker")
	}
}

func TestHealthz(t *testing.T) {
	a, _ := newTestApp(t)
	if rec := doRequest(t, a, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d", rec.Code)
	}
	if rec := doRequest(t, a, http.MethodGet, "/readyz", ""); rec.Code != http.StatusOK {
		t.Errorf("readyz status = %d", rec.Code)
	}
}
