// Package normalize converts raw CSV cell text into typed values. All
// functions are pure; a failure is reported as *FormatError and never
// aborts the surrounding batch.
package normalize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// FormatError describes a single cell that could not be normalized.
type FormatError struct {
	Field  string
	Input  string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("parse %s %q: %s", e.Field, e.Input, e.Reason)
}

var (
	currencyRegexp = regexp.MustCompile(`-?\d[\d,]*`)
	areaRegexp     = regexp.MustCompile(`\d+(?:\.\d+)?`)
	dmsRegexp      = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*°\s*(\d+(?:\.\d+)?)\s*'\s*(\d+(?:\.\d+)?)\s*"\s*([NSEW])`)
)

// Currency extracts an integer amount from a price cell, tolerating
// thousands separators and currency symbols ("NT$ 25,000", "25000元").
func Currency(text string) (int, error) {
	match := currencyRegexp.FindString(text)
	if match == "" {
		return 0, &FormatError{Field: "currency", Input: text, Reason: "no digits"}
	}
	n, err := strconv.Atoi(strings.ReplaceAll(match, ",", ""))
	if err != nil {
		return 0, &FormatError{Field: "currency", Input: text, Reason: err.Error()}
	}
	return n, nil
}

// Area extracts a decimal area from a cell such as "8.5坪" or "12 m²".
func Area(text string) (float64, error) {
	match := areaRegexp.FindString(text)
	if match == "" {
		return 0, &FormatError{Field: "area", Input: text, Reason: "no digits"}
	}
	f, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0, &FormatError{Field: "area", Input: text, Reason: err.Error()}
	}
	return f, nil
}

// DMSPair parses a combined degree-minute-second coordinate cell such as
// `25°0'26"N 121°30'5"E` into signed decimal latitude and longitude.
// Southern and western hemispheres yield negative components.
func DMSPair(text string) (lat, lng float64, err error) {
	matches := dmsRegexp.FindAllStringSubmatch(text, -1)
	if len(matches) != 2 {
		return 0, 0, &FormatError{Field: "coordinates", Input: text, Reason: "expected two DMS components"}
	}

	var haveLat, haveLng bool
	for _, m := range matches {
		deg, hemi, convErr := dmsToDecimal(m)
		if convErr != nil {
			return 0, 0, convErr
		}
		switch hemi {
		case "N", "S":
			if haveLat {
				return 0, 0, &FormatError{Field: "coordinates", Input: text, Reason: "duplicate latitude component"}
			}
			lat = deg
			haveLat = true
		case "E", "W":
			if haveLng {
				return 0, 0, &FormatError{Field: "coordinates", Input: text, Reason: "duplicate longitude component"}
			}
			lng = deg
			haveLng = true
		}
	}
	if !haveLat || !haveLng {
		return 0, 0, &FormatError{Field: "coordinates", Input: text, Reason: "missing latitude or longitude component"}
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return 0, 0, &FormatError{Field: "coordinates", Input: text, Reason: "out of range"}
	}
	return lat, lng, nil
}

func dmsToDecimal(m []string) (float64, string, error) {
	degrees, _ := strconv.ParseFloat(m[1], 64)
	minutes, _ := strconv.ParseFloat(m[2], 64)
	seconds, _ := strconv.ParseFloat(m[3], 64)
	hemi := m[4]

	if minutes >= 60 || seconds >= 60 {
		return 0, hemi, &FormatError{Field: "coordinate", Input: m[0], Reason: "minutes or seconds out of range"}
	}

	deg := degrees + minutes/60 + seconds/3600
	if hemi == "S" || hemi == "W" {
		deg = -deg
	}
	return deg, hemi, nil
}

// Decimal parses a plain decimal-degree coordinate cell.
func Decimal(text string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil {
		return 0, &FormatError{Field: "coordinate", Input: text, Reason: "not a decimal number"}
	}
	return f, nil
}

var dateLayouts = []string{"2006-01-02", "2006/01/02", "2006.01.02"}

// Date parses a day-precision publish date, accepting the export vintages'
// common separators.
func Date(text string) (time.Time, error) {
	trimmed := strings.TrimSpace(text)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &FormatError{Field: "date", Input: text, Reason: "unrecognized date format"}
}

// Text collapses internal whitespace and trims the cell.
func Text(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
