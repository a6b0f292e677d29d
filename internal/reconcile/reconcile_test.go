package reconcile

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"rentwatch/server/internal/ingest"
	"rentwatch/server/internal/model"
	"rentwatch/server/internal/store"
)

const header = "標題,地址,租金,坪數,房型,樓層,裝修狀態,緯度,經度\n"

func row(title, address string, rent string) string {
	return title + "," + address + "," + rent + ",10,套房,3F,普通,25.01,121.5\n"
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fixture struct {
	dir        string
	store      *store.Store
	reconciler *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "rentwatch.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.InitSchema(context.Background()); err != nil {
		t.Fatalf("init schema: %v", err)
	}

	parser := ingest.New(ingest.DefaultColumnMap(), testLogger())
	rec := New(st, parser, testLogger())
	rec.now = func() time.Time { return time.Date(2026, 8, 3, 9, 0, 0, 0, time.UTC) }

	return &fixture{dir: t.TempDir(), store: st, reconciler: rec}
}

func (f *fixture) write(t *testing.T, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(f.dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) activeKeys(t *testing.T) map[string]model.Listing {
	t.Helper()
	listings, err := f.store.ListListings(context.Background(), store.Filter{Status: model.StatusActive})
	if err != nil {
		t.Fatal(err)
	}
	byAddress := make(map[string]model.Listing, len(listings))
	for _, l := range listings {
		byAddress[l.Address] = l
	}
	return byAddress
}

func TestRunEmptyDirectoryIsValidNoOp(t *testing.T) {
	f := newFixture(t)

	report, err := f.reconciler.Run(context.Background(), f.dir)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	m := report.Marker
	if m.FileCount != 0 || m.InsertedCount != 0 || m.DeletedCount != 0 {
		t.Errorf("marker = %+v", m)
	}
	if m.ID == 0 {
		t.Error("no-op run must still append a version marker")
	}
	if m.WeekID != "2632" {
		t.Errorf("week id = %q, want 2632", m.WeekID)
	}
}

func TestRunEmptyDirectoryDoesNotSweep(t *testing.T) {
	f := newFixture(t)
	f.write(t, "batch.csv", header+row("A", "地址A", "10000"))
	if _, err := f.reconciler.Run(context.Background(), f.dir); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(f.dir, "batch.csv")); err != nil {
		t.Fatal(err)
	}

	report, err := f.reconciler.Run(context.Background(), f.dir)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Marker.DeletedCount != 0 {
		t.Errorf("deleted = %d, want 0", report.Marker.DeletedCount)
	}
	if got := len(f.activeKeys(t)); got != 1 {
		t.Errorf("active set changed: %d listings", got)
	}
}

func TestRunUnreadableDirectoryFails(t *testing.T) {
	f := newFixture(t)

	_, err := f.reconciler.Run(context.Background(), filepath.Join(f.dir, "does-not-exist"))
	if err == nil {
		t.Fatal("expected run error")
	}
	if !IsRunError(err) {
		t.Errorf("error is %T, want *RunError", err)
	}

	versions, verr := f.store.ListVersions(context.Background())
	if verr != nil {
		t.Fatal(verr)
	}
	if len(versions) != 0 {
		t.Error("failed run must not record a version marker")
	}
}

func TestRunIdempotentOnUnchangedDirectory(t *testing.T) {
	f := newFixture(t)
	f.write(t, "batch.csv", header+row("A", "地址A", "10000")+row("B", "地址B", "12000"))

	first, err := f.reconciler.Run(context.Background(), f.dir)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.Marker.InsertedCount != 2 {
		t.Fatalf("first marker = %+v", first.Marker)
	}

	second, err := f.reconciler.Run(context.Background(), f.dir)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Marker.InsertedCount != 0 || second.Marker.DeletedCount != 0 {
		t.Errorf("second marker = %+v", second.Marker)
	}
	if second.Refreshed != 2 {
		t.Errorf("refreshed = %d, want 2", second.Refreshed)
	}
	if second.Marker.ID == first.Marker.ID {
		t.Error("each run must append its own marker")
	}

	if got := len(f.activeKeys(t)); got != 2 {
		t.Errorf("active set changed: %d listings", got)
	}
}

func TestRunSweepScenario(t *testing.T) {
	f := newFixture(t)

	// Run 1: listings A and B.
	f.write(t, "batch.csv", header+row("A", "地址A", "10000")+row("B", "地址B", "12000"))
	if _, err := f.reconciler.Run(context.Background(), f.dir); err != nil {
		t.Fatalf("run 1: %v", err)
	}

	// Run 2 a week later: files now contain only A and C.
	f.reconciler.now = func() time.Time { return time.Date(2026, 8, 10, 9, 0, 0, 0, time.UTC) }
	f.write(t, "batch.csv", header+row("A", "地址A", "10000")+row("C", "地址C", "15000"))

	report, err := f.reconciler.Run(context.Background(), f.dir)
	if err != nil {
		t.Fatalf("run 2: %v", err)
	}
	if report.Marker.InsertedCount != 1 || report.Marker.DeletedCount != 1 {
		t.Errorf("run 2 marker = %+v", report.Marker)
	}

	active := f.activeKeys(t)
	if len(active) != 2 {
		t.Fatalf("active = %v", active)
	}
	if a, ok := active["地址A"]; !ok || a.UploadWeek != "2633" {
		t.Errorf("A should be active with refreshed week, got %+v", a)
	}
	if _, ok := active["地址C"]; !ok {
		t.Error("C should be active")
	}

	deleted, err := f.store.ListListings(context.Background(), store.Filter{Status: model.StatusDeleted})
	if err != nil {
		t.Fatal(err)
	}
	if len(deleted) != 1 || deleted[0].Address != "地址B" {
		t.Fatalf("deleted = %+v", deleted)
	}
	wantDate := time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC)
	if deleted[0].DeletedOn == nil || !deleted[0].DeletedOn.Equal(wantDate) {
		t.Errorf("deleted_on = %v, want %v", deleted[0].DeletedOn, wantDate)
	}
}

func TestRunDuplicateActiveKeyRefreshesLowestID(t *testing.T) {
	f := newFixture(t)

	// Two active rows sharing one (address, rent) key, as left behind by a
	// prior bug or manual edit.
	for _, title := range []string{"房源一", "房源二"} {
		if _, err := f.store.DB().ExecContext(context.Background(),
			`INSERT INTO listings (title, address, rent_monthly, upload_week, status)
			 VALUES (?, ?, ?, ?, ?);`,
			title, "地址A", 10000, "2631", string(model.StatusActive),
		); err != nil {
			t.Fatal(err)
		}
	}

	f.write(t, "batch.csv", header+row("A", "地址A", "10000"))
	report, err := f.reconciler.Run(context.Background(), f.dir)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Marker.InsertedCount != 0 || report.Refreshed != 1 {
		t.Errorf("marker = %+v, refreshed = %d", report.Marker, report.Refreshed)
	}

	active, err := f.store.ActiveByKey(context.Background(), "地址A", 10000)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 {
		t.Fatalf("got %d active rows for the key, want 1", len(active))
	}
	if active[0].Title != "房源一" || active[0].UploadWeek != "2632" {
		t.Errorf("surviving row = %+v, want lowest id refreshed", active[0])
	}

	deleted, err := f.store.ListListings(context.Background(), store.Filter{Status: model.StatusDeleted})
	if err != nil {
		t.Fatal(err)
	}
	if len(deleted) != 1 || deleted[0].Title != "房源二" {
		t.Errorf("deleted = %+v, want the higher-id duplicate swept", deleted)
	}
}

func TestRunConservation(t *testing.T) {
	f := newFixture(t)
	f.write(t, "batch.csv", header+row("A", "地址A", "10000")+row("B", "地址B", "12000")+row("C", "地址C", "15000"))
	if _, err := f.reconciler.Run(context.Background(), f.dir); err != nil {
		t.Fatal(err)
	}
	activeBefore := len(f.activeKeys(t))

	f.write(t, "batch.csv", header+row("A", "地址A", "10000")+row("D", "地址D", "18000"))
	report, err := f.reconciler.Run(context.Background(), f.dir)
	if err != nil {
		t.Fatal(err)
	}

	activeAfter := len(f.activeKeys(t))
	if activeBefore+report.Marker.InsertedCount-report.Marker.DeletedCount != activeAfter {
		t.Errorf("conservation violated: %d + %d - %d != %d",
			activeBefore, report.Marker.InsertedCount, report.Marker.DeletedCount, activeAfter)
	}
}

func TestRunDeduplicatesWithinBatch(t *testing.T) {
	f := newFixture(t)
	// Same key in two files; the run must insert exactly one listing.
	f.write(t, "a_batch.csv", header+row("A", "地址A", "10000"))
	f.write(t, "b_batch.csv", header+row("A bis", "地址A", "10000"))

	report, err := f.reconciler.Run(context.Background(), f.dir)
	if err != nil {
		t.Fatal(err)
	}
	if report.Marker.InsertedCount != 1 {
		t.Errorf("inserted = %d, want 1", report.Marker.InsertedCount)
	}
	if report.Marker.FileCount != 2 {
		t.Errorf("file count = %d, want 2", report.Marker.FileCount)
	}
}

func TestRunSkipsUnreadableFileAndContinues(t *testing.T) {
	f := newFixture(t)
	f.write(t, "bad.csv", "\xff\xfe\x00broken")
	f.write(t, "good.csv", header+row("A", "地址A", "10000"))

	report, err := f.reconciler.Run(context.Background(), f.dir)
	if err != nil {
		t.Fatalf("run should survive a bad file: %v", err)
	}
	if report.Marker.FileCount != 1 || report.Marker.InsertedCount != 1 {
		t.Errorf("marker = %+v", report.Marker)
	}

	var badReported bool
	for _, fr := range report.Files {
		if fr.File == "bad.csv" && fr.Error != "" {
			badReported = true
		}
	}
	if !badReported {
		t.Error("file-level error missing from run report")
	}
}

func TestRunSkippedRowCounted(t *testing.T) {
	f := newFixture(t)
	f.write(t, "batch.csv", header+
		row("A", "地址A", "10000")+
		row("B", "地址B", "12000")+
		row("C", "地址C", "15000")+
		row("D", "地址D", ""))

	report, err := f.reconciler.Run(context.Background(), f.dir)
	if err != nil {
		t.Fatal(err)
	}
	if report.Marker.InsertedCount != 3 {
		t.Errorf("inserted = %d, want 3", report.Marker.InsertedCount)
	}
	if report.Marker.SkippedRows != 1 {
		t.Errorf("skipped rows = %d, want 1", report.Marker.SkippedRows)
	}
	if len(report.Files) != 1 || len(report.Files[0].Skipped) != 1 {
		t.Fatalf("files = %+v", report.Files)
	}
	if report.Files[0].Skipped[0].Reason != "missing required field: rent" {
		t.Errorf("reason = %q", report.Files[0].Skipped[0].Reason)
	}
}

func TestRunIgnoresConvertedFiles(t *testing.T) {
	f := newFixture(t)
	f.write(t, "batch_converted.csv", header+row("X", "地址X", "9000"))
	f.write(t, "notes.txt", "not a batch")

	report, err := f.reconciler.Run(context.Background(), f.dir)
	if err != nil {
		t.Fatal(err)
	}
	if report.Marker.FileCount != 0 || report.Marker.InsertedCount != 0 {
		t.Errorf("marker = %+v", report.Marker)
	}
}

func TestWeekID(t *testing.T) {
	if got := WeekID(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)); got != "2601" {
		t.Errorf("WeekID = %q, want 2601", got)
	}
	if got := WeekID(time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)); got != "2632" {
		t.Errorf("WeekID = %q, want 2632", got)
	}
}
