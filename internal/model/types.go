package model

import "time"

// ListingStatus is the lifecycle state of a listing.
type ListingStatus string

const (
	StatusActive  ListingStatus = "active"
	StatusDeleted ListingStatus = "deleted"
)

// Listing is a rental listing as persisted in the store. Listings are never
// physically removed; once swept they stay around with status "deleted" for
// trend statistics.
type Listing struct {
	ID               int64         `json:"id"`
	Title            string        `json:"title"`
	Address          string        `json:"address"`
	RentMonthly      int           `json:"rent_monthly"`
	Area             float64       `json:"area"`
	RoomType         string        `json:"room_type"`
	Floor            string        `json:"floor"`
	Latitude         float64       `json:"latitude"`
	Longitude        float64       `json:"longitude"`
	BuildingType     string        `json:"building_type"`
	RenovationStatus string        `json:"renovation_status"`
	FirstPublished   time.Time     `json:"first_published"`
	UploadWeek       string        `json:"upload_week"`
	Status           ListingStatus `json:"status"`
	DeletedOn        *time.Time    `json:"deleted_on,omitempty"`
}

// ListingKey is the (address, monthly rent) match key. Address and monthly
// rent together identify a listing across import runs; a changed rent is
// treated as a different listing.
type ListingKey struct {
	Address     string
	RentMonthly int
}

// Candidate is one normalized row produced by the batch parser, not yet
// reconciled against the store.
type Candidate struct {
	Title            string
	Address          string
	RentMonthly      int
	Area             float64
	RoomType         string
	Floor            string
	Latitude         float64
	Longitude        float64
	BuildingType     string
	RenovationStatus string
	FirstPublished   time.Time

	SourceFile string
	Row        int
}

// Key returns the candidate's match key.
func (c Candidate) Key() ListingKey {
	return ListingKey{Address: c.Address, RentMonthly: c.RentMonthly}
}

// VersionMarker records one completed import run. Markers are append-only
// and never mutated after the run commits.
type VersionMarker struct {
	ID            int64     `json:"id"`
	WeekID        string    `json:"week_id"`
	ImportedAt    time.Time `json:"imported_at"`
	FileCount     int       `json:"file_count"`
	InsertedCount int       `json:"inserted_count"`
	DeletedCount  int       `json:"deleted_count"`
	SkippedRows   int       `json:"skipped_rows"`
}

// SkippedRow explains why one CSV row was rejected during parsing.
type SkippedRow struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

// FileReport summarizes parsing of one CSV file.
type FileReport struct {
	File     string       `json:"file"`
	Rows     int          `json:"rows"`
	Accepted int          `json:"accepted"`
	Skipped  []SkippedRow `json:"skipped,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// RunReport is the full outcome of one import run.
type RunReport struct {
	Marker    VersionMarker `json:"marker"`
	Files     []FileReport  `json:"files"`
	Refreshed int           `json:"refreshed"`
}

// BoundingBox is a geographic filter in decimal degrees.
type BoundingBox struct {
	MinLat float64
	MinLng float64
	MaxLat float64
	MaxLng float64
}

// Contains reports whether the point lies inside the box. Listings at the
// (0, 0) null-island coordinate never match; unlocated rows are excluded
// from map queries.
func (b BoundingBox) Contains(lat, lng float64) bool {
	if lat == 0 && lng == 0 {
		return false
	}
	return lat >= b.MinLat && lat <= b.MaxLat && lng >= b.MinLng && lng <= b.MaxLng
}

// RoomTypeCount is one bucket of the room-type distribution.
type RoomTypeCount struct {
	RoomType string `json:"room_type"`
	Count    int    `json:"count"`
}

// StatsReport holds the derived read-only view over the active listing set.
type StatsReport struct {
	Count            int             `json:"count"`
	AvgRent          float64         `json:"avg_rent"`
	MinRent          int             `json:"min_rent"`
	MaxRent          int             `json:"max_rent"`
	AvgArea          float64         `json:"avg_area"`
	RoomTypes        []RoomTypeCount `json:"room_types"`
	PerVersionDeltas []VersionMarker `json:"per_version_deltas"`
}
