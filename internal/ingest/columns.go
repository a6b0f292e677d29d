package ingest

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
)

// ColumnMap names the CSV columns of one export vintage. Required fields
// must be mapped; optional fields may be left empty, in which case the
// column is treated as absent. Coordinates come either from a single DMS
// column or from split decimal latitude/longitude columns.
type ColumnMap struct {
	Title            string `yaml:"title"`
	Address          string `yaml:"address"`
	Rent             string `yaml:"rent"`
	Area             string `yaml:"area"`
	RoomType         string `yaml:"room_type"`
	Floor            string `yaml:"floor"`
	RenovationStatus string `yaml:"renovation_status"`

	Latitude    string `yaml:"latitude"`
	Longitude   string `yaml:"longitude"`
	Coordinates string `yaml:"coordinates"`

	BuildingType   string `yaml:"building_type"`
	FirstPublished string `yaml:"first_published"`
}

// DefaultColumnMap matches the headers of the original weekly exports.
func DefaultColumnMap() ColumnMap {
	return ColumnMap{
		Title:            "標題",
		Address:          "地址",
		Rent:             "租金",
		Area:             "坪數",
		RoomType:         "房型",
		Floor:            "樓層",
		RenovationStatus: "裝修狀態",
		Latitude:         "緯度",
		Longitude:        "經度",
	}
}

// LoadColumnMap reads a YAML column mapping from disk.
func LoadColumnMap(path string) (ColumnMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ColumnMap{}, fmt.Errorf("read column map: %w", err)
	}
	var m ColumnMap
	if err := yaml.Unmarshal(data, &m); err != nil {
		return ColumnMap{}, fmt.Errorf("decode column map: %w", err)
	}
	if err := m.Validate(); err != nil {
		return ColumnMap{}, err
	}
	return m, nil
}

// Validate checks that every required column is named and that exactly one
// coordinate scheme is configured.
func (m ColumnMap) Validate() error {
	required := map[string]string{
		"title":             m.Title,
		"address":           m.Address,
		"rent":              m.Rent,
		"area":              m.Area,
		"room_type":         m.RoomType,
		"floor":             m.Floor,
		"renovation_status": m.RenovationStatus,
	}
	for name, col := range required {
		if strings.TrimSpace(col) == "" {
			return fmt.Errorf("column map: %s column not configured", name)
		}
	}

	split := m.Latitude != "" && m.Longitude != ""
	if !split && m.Coordinates == "" {
		return fmt.Errorf("column map: configure either latitude+longitude or a coordinates column")
	}
	if split && m.Coordinates != "" {
		return fmt.Errorf("column map: latitude/longitude and coordinates are mutually exclusive")
	}
	return nil
}

// splitCoordinates reports whether the mapping uses separate decimal
// latitude and longitude columns.
func (m ColumnMap) splitCoordinates() bool {
	return m.Coordinates == ""
}
