// Package store persists listings and version markers in SQLite. It is the
// single source of truth read by the query and statistics layers.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"rentwatch/server/internal/model"

	_ "modernc.org/sqlite"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = time.RFC3339Nano
)

// Store wraps the SQLite database connection and schema lifecycle.
type Store struct {
	db *sql.DB
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InitSchema ensures baseline tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS listings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			title TEXT NOT NULL,
			address TEXT NOT NULL,
			rent_monthly INTEGER NOT NULL,
			area REAL NOT NULL DEFAULT 0,
			room_type TEXT NOT NULL DEFAULT '',
			floor TEXT NOT NULL DEFAULT '',
			latitude REAL NOT NULL DEFAULT 0,
			longitude REAL NOT NULL DEFAULT 0,
			building_type TEXT NOT NULL DEFAULT 'apartment',
			renovation_status TEXT NOT NULL DEFAULT '',
			first_published TEXT NOT NULL DEFAULT '',
			upload_week TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			deleted_on TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_listings_key ON listings(address, rent_monthly, status);`,
		`CREATE INDEX IF NOT EXISTS idx_listings_status ON listings(status);`,
		`CREATE TABLE IF NOT EXISTS versions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			week_id TEXT NOT NULL,
			imported_at TEXT NOT NULL,
			file_count INTEGER NOT NULL DEFAULT 0,
			inserted_count INTEGER NOT NULL DEFAULT 0,
			deleted_count INTEGER NOT NULL DEFAULT 0,
			skipped_rows INTEGER NOT NULL DEFAULT 0
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

// DB exposes the underlying sql.DB for callers that need raw access.
func (s *Store) DB() *sql.DB {
	return s.db
}

// dbtx lets the query helpers run against either the pool or a transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const listingColumns = `id, title, address, rent_monthly, area, room_type, floor,
	latitude, longitude, building_type, renovation_status,
	first_published, upload_week, status, deleted_on`

func scanListing(rows *sql.Rows) (model.Listing, error) {
	var (
		l              model.Listing
		firstPublished string
		deletedOn      sql.NullString
		status         string
	)
	if err := rows.Scan(
		&l.ID, &l.Title, &l.Address, &l.RentMonthly, &l.Area, &l.RoomType, &l.Floor,
		&l.Latitude, &l.Longitude, &l.BuildingType, &l.RenovationStatus,
		&firstPublished, &l.UploadWeek, &status, &deletedOn,
	); err != nil {
		return model.Listing{}, fmt.Errorf("scan listing: %w", err)
	}

	l.Status = model.ListingStatus(status)
	if firstPublished != "" {
		if t, err := time.Parse(dateLayout, firstPublished); err == nil {
			l.FirstPublished = t
		}
	}
	if deletedOn.Valid && deletedOn.String != "" {
		if t, err := time.Parse(dateLayout, deletedOn.String); err == nil {
			l.DeletedOn = &t
		}
	}
	return l, nil
}

// ActiveByKey returns the active listings sharing the (address, rent) match
// key, ordered by id ascending. More than one row means the uniqueness
// invariant was violated upstream; callers tie-break on the first row.
func (s *Store) ActiveByKey(ctx context.Context, address string, rentMonthly int) ([]model.Listing, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+listingColumns+` FROM listings
		 WHERE address = ? AND rent_monthly = ? AND status = ?
		 ORDER BY id ASC;`,
		address, rentMonthly, string(model.StatusActive),
	)
	if err != nil {
		return nil, fmt.Errorf("query active by key: %w", err)
	}
	defer rows.Close()

	var listings []model.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active by key: %w", err)
	}
	return listings, nil
}

// Filter narrows ListListings. Zero values mean no filtering on that axis.
type Filter struct {
	Status  model.ListingStatus
	Address string
	BBox    *model.BoundingBox
}

// ListListings returns listings matching the filter, ordered by id.
func (s *Store) ListListings(ctx context.Context, f Filter) ([]model.Listing, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	query := `SELECT ` + listingColumns + ` FROM listings`
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Address != "" {
		conds = append(conds, "address LIKE ?")
		args = append(args, "%"+f.Address+"%")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id ASC;"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query listings: %w", err)
	}
	defer rows.Close()

	var listings []model.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		if f.BBox != nil && !f.BBox.Contains(l.Latitude, l.Longitude) {
			continue
		}
		listings = append(listings, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate listings: %w", err)
	}
	return listings, nil
}

func insertListing(ctx context.Context, q dbtx, cand model.Candidate, weekID string, date time.Time) (int64, error) {
	firstPublished := cand.FirstPublished
	if firstPublished.IsZero() {
		firstPublished = date
	}

	res, err := q.ExecContext(
		ctx,
		`INSERT INTO listings
		 (title, address, rent_monthly, area, room_type, floor, latitude, longitude,
		  building_type, renovation_status, first_published, upload_week, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		cand.Title, cand.Address, cand.RentMonthly, cand.Area, cand.RoomType, cand.Floor,
		cand.Latitude, cand.Longitude, cand.BuildingType, cand.RenovationStatus,
		firstPublished.UTC().Format(dateLayout), weekID, string(model.StatusActive),
	)
	if err != nil {
		return 0, fmt.Errorf("insert listing: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert listing id: %w", err)
	}
	return id, nil
}

func refreshListing(ctx context.Context, q dbtx, r Refresh, weekID string) error {
	_, err := q.ExecContext(
		ctx,
		`UPDATE listings
		 SET upload_week = ?, floor = ?, renovation_status = ?, building_type = ?
		 WHERE id = ?;`,
		weekID, r.Floor, r.RenovationStatus, r.BuildingType, r.ID,
	)
	if err != nil {
		return fmt.Errorf("refresh listing %d: %w", r.ID, err)
	}
	return nil
}

func markDeleted(ctx context.Context, q dbtx, id int64, date time.Time) error {
	_, err := q.ExecContext(
		ctx,
		`UPDATE listings SET status = ?, deleted_on = ? WHERE id = ? AND status = ?;`,
		string(model.StatusDeleted), date.UTC().Format(dateLayout), id, string(model.StatusActive),
	)
	if err != nil {
		return fmt.Errorf("mark listing %d deleted: %w", id, err)
	}
	return nil
}

func appendVersion(ctx context.Context, q dbtx, m model.VersionMarker) (model.VersionMarker, error) {
	res, err := q.ExecContext(
		ctx,
		`INSERT INTO versions (week_id, imported_at, file_count, inserted_count, deleted_count, skipped_rows)
		 VALUES (?, ?, ?, ?, ?, ?);`,
		m.WeekID, m.ImportedAt.UTC().Format(timeLayout),
		m.FileCount, m.InsertedCount, m.DeletedCount, m.SkippedRows,
	)
	if err != nil {
		return model.VersionMarker{}, fmt.Errorf("append version: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.VersionMarker{}, fmt.Errorf("append version id: %w", err)
	}
	m.ID = id
	return m, nil
}

// MarkDeleted flips one active listing to deleted with the given date.
// Already-deleted listings are left untouched.
func (s *Store) MarkDeleted(ctx context.Context, id int64, date time.Time) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	return markDeleted(ctx, s.db, id, date)
}

// AppendVersion records one completed run outside of ApplyRun. Used by
// no-op runs that still must leave a marker.
func (s *Store) AppendVersion(ctx context.Context, m model.VersionMarker) (model.VersionMarker, error) {
	if s.db == nil {
		return model.VersionMarker{}, fmt.Errorf("store not initialized")
	}
	return appendVersion(ctx, s.db, m)
}

// ListVersions returns all version markers ordered oldest first.
func (s *Store) ListVersions(ctx context.Context) ([]model.VersionMarker, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, week_id, imported_at, file_count, inserted_count, deleted_count, skipped_rows
		 FROM versions ORDER BY id ASC;`,
	)
	if err != nil {
		return nil, fmt.Errorf("query versions: %w", err)
	}
	defer rows.Close()

	var markers []model.VersionMarker
	for rows.Next() {
		var (
			m          model.VersionMarker
			importedAt string
		)
		if err := rows.Scan(&m.ID, &m.WeekID, &importedAt, &m.FileCount, &m.InsertedCount, &m.DeletedCount, &m.SkippedRows); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		if t, err := time.Parse(timeLayout, importedAt); err == nil {
			m.ImportedAt = t
		}
		markers = append(markers, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return markers, nil
}

// Refresh carries the descriptive fields that legitimately vary run-to-run
// for a re-sighted listing. Address and rent are never rewritten.
type Refresh struct {
	ID               int64
	Floor            string
	RenovationStatus string
	BuildingType     string
}

// RunMutation is one import run's full set of changes.
type RunMutation struct {
	WeekID      string
	Date        time.Time
	FileCount   int
	SkippedRows int
	Inserts     []model.Candidate
	Refreshes   []Refresh
}

// ApplyRun commits one run atomically: inserts, refreshes, the sweep of
// unseen active listings, and the version marker either all land or none do.
func (s *Store) ApplyRun(ctx context.Context, mut RunMutation) (model.VersionMarker, error) {
	if s.db == nil {
		return model.VersionMarker{}, fmt.Errorf("store not initialized")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.VersionMarker{}, fmt.Errorf("begin run transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	seen := make(map[int64]struct{}, len(mut.Inserts)+len(mut.Refreshes))

	for _, cand := range mut.Inserts {
		id, err := insertListing(ctx, tx, cand, mut.WeekID, mut.Date)
		if err != nil {
			return model.VersionMarker{}, err
		}
		seen[id] = struct{}{}
	}

	for _, r := range mut.Refreshes {
		if err := refreshListing(ctx, tx, r, mut.WeekID); err != nil {
			return model.VersionMarker{}, err
		}
		seen[r.ID] = struct{}{}
	}

	// Sweep: every active listing not sighted this run is flipped to
	// deleted; listings already deleted keep their original deleted_on.
	rows, err := tx.QueryContext(ctx, `SELECT id FROM listings WHERE status = ?;`, string(model.StatusActive))
	if err != nil {
		return model.VersionMarker{}, fmt.Errorf("query active ids: %w", err)
	}
	var toDelete []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return model.VersionMarker{}, fmt.Errorf("scan active id: %w", err)
		}
		if _, ok := seen[id]; !ok {
			toDelete = append(toDelete, id)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return model.VersionMarker{}, fmt.Errorf("iterate active ids: %w", err)
	}
	rows.Close()

	for _, id := range toDelete {
		if err := markDeleted(ctx, tx, id, mut.Date); err != nil {
			return model.VersionMarker{}, err
		}
	}

	marker, err := appendVersion(ctx, tx, model.VersionMarker{
		WeekID:        mut.WeekID,
		ImportedAt:    mut.Date,
		FileCount:     mut.FileCount,
		InsertedCount: len(mut.Inserts),
		DeletedCount:  len(toDelete),
		SkippedRows:   mut.SkippedRows,
	})
	if err != nil {
		return model.VersionMarker{}, err
	}

	if err := tx.Commit(); err != nil {
		return model.VersionMarker{}, fmt.Errorf("commit run: %w", err)
	}
	return marker, nil
}

// Counts summarizes table sizes for the admin status endpoint.
type Counts struct {
	ActiveListings  int `json:"active_listings"`
	DeletedListings int `json:"deleted_listings"`
	TotalListings   int `json:"total_listings"`
	Versions        int `json:"versions"`
}

// TableCounts returns listing and version counts.
func (s *Store) TableCounts(ctx context.Context) (Counts, error) {
	if s.db == nil {
		return Counts{}, fmt.Errorf("store not initialized")
	}

	var c Counts
	queries := []struct {
		query string
		dest  *int
		args  []any
	}{
		{`SELECT COUNT(*) FROM listings WHERE status = ?;`, &c.ActiveListings, []any{string(model.StatusActive)}},
		{`SELECT COUNT(*) FROM listings WHERE status = ?;`, &c.DeletedListings, []any{string(model.StatusDeleted)}},
		{`SELECT COUNT(*) FROM listings;`, &c.TotalListings, nil},
		{`SELECT COUNT(*) FROM versions;`, &c.Versions, nil},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query, q.args...).Scan(q.dest); err != nil {
			return Counts{}, fmt.Errorf("count query: %w", err)
		}
	}
	return c, nil
}

// Wipe removes all listings and versions and resets the id sequences.
func (s *Store) Wipe(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	stmts := []string{
		`DELETE FROM listings;`,
		`DELETE FROM versions;`,
		`DELETE FROM sqlite_sequence WHERE name IN ('listings', 'versions');`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("wipe data: %w", err)
		}
	}
	return nil
}
