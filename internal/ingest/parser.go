// Package ingest reads one CSV batch file at a time and turns its rows into
// normalized listing candidates. Parsing is row-independent: a malformed row
// is skipped with a reason while the rest of the file continues.
package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"rentwatch/server/internal/model"
	"rentwatch/server/internal/normalize"
)

// FileError marks a file that could not be read or decoded at all, as
// opposed to per-row failures.
type FileError struct {
	File string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("file %s: %v", e.File, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

// Parser parses batch files against a configured column mapping.
type Parser struct {
	columns ColumnMap
	logger  *slog.Logger
}

// New returns a Parser for the given column mapping.
func New(columns ColumnMap, logger *slog.Logger) *Parser {
	return &Parser{columns: columns, logger: logger}
}

// ParseFile reads one CSV file and returns its normalized candidates plus a
// report of skipped rows. A non-nil error is always a *FileError; row-level
// problems land in the report instead.
func (p *Parser) ParseFile(path string) ([]model.Candidate, model.FileReport, error) {
	name := filepath.Base(path)
	report := model.FileReport{File: name}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, report, &FileError{File: name, Err: err}
	}

	// Exports are written with a UTF-8 BOM; anything not valid UTF-8 is
	// rejected wholesale.
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})
	if !utf8.Valid(data) {
		return nil, report, &FileError{File: name, Err: errors.New("not valid UTF-8")}
	}

	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, report, &FileError{File: name, Err: fmt.Errorf("read header: %w", err)}
	}

	index, err := p.headerIndex(header)
	if err != nil {
		return nil, report, &FileError{File: name, Err: err}
	}

	fallbackBuildingType := BuildingTypeFromFilename(name)

	var candidates []model.Candidate
	row := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		row++
		if err != nil {
			report.Rows++
			report.Skipped = append(report.Skipped, model.SkippedRow{Row: row, Reason: fmt.Sprintf("malformed csv row: %v", err)})
			continue
		}
		report.Rows++

		cand, reason := p.parseRow(record, index, fallbackBuildingType)
		if reason != "" {
			report.Skipped = append(report.Skipped, model.SkippedRow{Row: row, Reason: reason})
			continue
		}
		cand.SourceFile = name
		cand.Row = row
		candidates = append(candidates, cand)
	}

	report.Accepted = len(candidates)
	p.logger.Info("parsed batch file", "file", name, "rows", report.Rows, "accepted", report.Accepted, "skipped", len(report.Skipped))
	return candidates, report, nil
}

// headerIndex maps configured column names to their positions, failing if a
// required column is missing from the file.
func (p *Parser) headerIndex(header []string) (map[string]int, error) {
	position := make(map[string]int, len(header))
	for i, h := range header {
		position[strings.TrimSpace(h)] = i
	}

	index := make(map[string]int)
	require := func(field, column string) error {
		i, ok := position[column]
		if !ok {
			return fmt.Errorf("missing required column %q (%s)", column, field)
		}
		index[field] = i
		return nil
	}
	optional := func(field, column string) {
		if column == "" {
			return
		}
		if i, ok := position[column]; ok {
			index[field] = i
		}
	}

	c := p.columns
	for _, rc := range []struct{ field, column string }{
		{"title", c.Title},
		{"address", c.Address},
		{"rent", c.Rent},
		{"area", c.Area},
		{"room_type", c.RoomType},
		{"floor", c.Floor},
		{"renovation_status", c.RenovationStatus},
	} {
		if err := require(rc.field, rc.column); err != nil {
			return nil, err
		}
	}

	if c.splitCoordinates() {
		if err := require("latitude", c.Latitude); err != nil {
			return nil, err
		}
		if err := require("longitude", c.Longitude); err != nil {
			return nil, err
		}
	} else {
		if err := require("coordinates", c.Coordinates); err != nil {
			return nil, err
		}
	}

	optional("building_type", c.BuildingType)
	optional("first_published", c.FirstPublished)
	return index, nil
}

// parseRow normalizes one record. It returns a non-empty reason when the
// row must be skipped.
func (p *Parser) parseRow(record []string, index map[string]int, fallbackBuildingType string) (model.Candidate, string) {
	cell := func(field string) string {
		i, ok := index[field]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var cand model.Candidate

	cand.Title = normalize.Text(cell("title"))
	if cand.Title == "" {
		return cand, "missing required field: title"
	}
	cand.Address = normalize.Text(cell("address"))
	if cand.Address == "" {
		return cand, "missing required field: address"
	}

	rawRent := cell("rent")
	if rawRent == "" {
		return cand, "missing required field: rent"
	}
	rent, err := normalize.Currency(rawRent)
	if err != nil {
		return cand, fmt.Sprintf("invalid rent: %v", err)
	}
	if rent <= 0 {
		return cand, "invalid rent: must be positive"
	}
	cand.RentMonthly = rent

	rawArea := cell("area")
	if rawArea == "" {
		return cand, "missing required field: area"
	}
	cand.Area, err = normalize.Area(rawArea)
	if err != nil {
		return cand, fmt.Sprintf("invalid area: %v", err)
	}

	cand.RoomType = normalize.Text(cell("room_type"))
	if cand.RoomType == "" {
		return cand, "missing required field: room_type"
	}
	cand.Floor = normalize.Text(cell("floor"))
	if cand.Floor == "" {
		return cand, "missing required field: floor"
	}
	cand.RenovationStatus = normalize.Text(cell("renovation_status"))
	if cand.RenovationStatus == "" {
		return cand, "missing required field: renovation_status"
	}

	if p.columns.splitCoordinates() {
		lat := cell("latitude")
		lng := cell("longitude")
		if lat == "" || lng == "" {
			return cand, "missing required field: coordinates"
		}
		cand.Latitude, err = normalize.Decimal(lat)
		if err != nil {
			return cand, fmt.Sprintf("invalid latitude: %v", err)
		}
		if cand.Latitude < -90 || cand.Latitude > 90 {
			return cand, "invalid latitude: out of range"
		}
		cand.Longitude, err = normalize.Decimal(lng)
		if err != nil {
			return cand, fmt.Sprintf("invalid longitude: %v", err)
		}
		if cand.Longitude < -180 || cand.Longitude > 180 {
			return cand, "invalid longitude: out of range"
		}
	} else {
		raw := cell("coordinates")
		if raw == "" {
			return cand, "missing required field: coordinates"
		}
		cand.Latitude, cand.Longitude, err = normalize.DMSPair(raw)
		if err != nil {
			return cand, fmt.Sprintf("invalid coordinates: %v", err)
		}
	}

	// Optional fields default to neutral values rather than rejecting.
	cand.BuildingType = normalize.Text(cell("building_type"))
	if cand.BuildingType == "" {
		cand.BuildingType = fallbackBuildingType
	}
	if raw := cell("first_published"); raw != "" {
		if published, err := normalize.Date(raw); err == nil {
			cand.FirstPublished = published
		}
	}

	return cand, ""
}

// BuildingTypeFromFilename classifies the batch by the export file's name.
// The weekly exports are split per building category.
func BuildingTypeFromFilename(name string) string {
	switch {
	case strings.Contains(name, "電梯大樓"):
		return "building"
	case strings.Contains(name, "透天"):
		return "house"
	case strings.Contains(name, "公寓"), strings.Contains(name, "套房"):
		return "apartment"
	default:
		return "apartment"
	}
}
