// Package stats computes read-only views over the listing store for the
// dashboard: counts, rent and area averages, room-type distribution and
// per-version trend deltas. It never mutates the store.
package stats

import (
	"context"
	"sort"

	"rentwatch/server/internal/model"
	"rentwatch/server/internal/store"
)

// Aggregator derives statistics from the current store contents. All
// computations are plain reductions, recomputed per request; cost is linear
// in the active listing count.
type Aggregator struct {
	store *store.Store
}

// New constructs an Aggregator over the given store.
func New(st *store.Store) *Aggregator {
	return &Aggregator{store: st}
}

// Report computes statistics over the active set, optionally narrowed by a
// bounding box and an address substring.
func (a *Aggregator) Report(ctx context.Context, bbox *model.BoundingBox, address string) (model.StatsReport, error) {
	listings, err := a.store.ListListings(ctx, store.Filter{
		Status:  model.StatusActive,
		Address: address,
		BBox:    bbox,
	})
	if err != nil {
		return model.StatsReport{}, err
	}

	versions, err := a.store.ListVersions(ctx)
	if err != nil {
		return model.StatsReport{}, err
	}

	report := model.StatsReport{
		Count:            len(listings),
		PerVersionDeltas: versions,
	}

	var (
		rentTotal int
		areaTotal float64
		areaCount int
		roomTypes = make(map[string]int)
	)
	for i, l := range listings {
		rentTotal += l.RentMonthly
		if i == 0 || l.RentMonthly < report.MinRent {
			report.MinRent = l.RentMonthly
		}
		if l.RentMonthly > report.MaxRent {
			report.MaxRent = l.RentMonthly
		}
		if l.Area > 0 {
			areaTotal += l.Area
			areaCount++
		}
		if l.RoomType != "" {
			roomTypes[l.RoomType]++
		}
	}

	if len(listings) > 0 {
		report.AvgRent = round2(float64(rentTotal) / float64(len(listings)))
	}
	if areaCount > 0 {
		report.AvgArea = round2(areaTotal / float64(areaCount))
	}

	for rt, count := range roomTypes {
		report.RoomTypes = append(report.RoomTypes, model.RoomTypeCount{RoomType: rt, Count: count})
	}
	sort.Slice(report.RoomTypes, func(i, j int) bool {
		if report.RoomTypes[i].Count != report.RoomTypes[j].Count {
			return report.RoomTypes[i].Count > report.RoomTypes[j].Count
		}
		return report.RoomTypes[i].RoomType < report.RoomTypes[j].RoomType
	})

	return report, nil
}

func round2(f float64) float64 {
	return float64(int(f*100+0.5)) / 100
}
