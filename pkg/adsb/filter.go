package adsb

import (
	"cmp"
	"slices"

	"github.com/fregster/hangar-assistant/pkg/coordinates"
)

// Deduplicate collapses records that share a UniqueID into one merged record.
// Within a group, records are folded in ascending priority order (stable, so
// input order breaks ties). Records without a stable identifier are kept
// as-is. Output order follows the first occurrence of each id.
func Deduplicate(records []Aircraft) []Aircraft {
	if len(records) == 0 {
		return []Aircraft{}
	}

	order := make([]string, 0, len(records))
	groups := make(map[string][]Aircraft, len(records))
	for _, rec := range records {
		id := rec.UniqueID()
		if _, seen := groups[id]; !seen {
			order = append(order, id)
		}
		groups[id] = append(groups[id], rec)
	}

	out := make([]Aircraft, 0, len(order))
	for _, id := range order {
		out = append(out, MergeAll(groups[id]))
	}
	return out
}

// MergeAll folds a group of observations of one aircraft with Merge, most
// authoritative first. A single record is returned as a clone.
func MergeAll(group []Aircraft) Aircraft {
	if len(group) == 1 {
		return group[0].Clone()
	}

	sorted := slices.Clone(group)
	slices.SortStableFunc(sorted, func(a, b Aircraft) int {
		return cmp.Compare(a.Priority, b.Priority)
	})

	merged := sorted[0].Clone()
	for _, next := range sorted[1:] {
		merged = Merge(merged, next)
	}
	return merged
}

// FilterByRadius returns the records within radiusNM of the given point,
// nearest first. Records without a position are dropped. A bounding box is
// checked before the exact distance.
func FilterByRadius(records []Aircraft, lat, lon, radiusNM float64) []Aircraft {
	center := coordinates.Geographic{Latitude: lat, Longitude: lon}
	box := coordinates.BoundingBox(center, radiusNM)

	type ranked struct {
		ac   Aircraft
		dist float64
	}
	hits := make([]ranked, 0, len(records))

	for i := range records {
		pos, ok := records[i].Position()
		if !ok || !box.Contains(pos) {
			continue
		}
		d := coordinates.DistanceNauticalMiles(center, pos)
		if d > radiusNM {
			continue
		}
		hits = append(hits, ranked{ac: records[i], dist: d})
	}

	slices.SortStableFunc(hits, func(a, b ranked) int {
		return cmp.Compare(a.dist, b.dist)
	})

	out := make([]Aircraft, len(hits))
	for i, h := range hits {
		out[i] = h.ac
	}
	return out
}

// SortByDistance returns the records ordered nearest first from the given
// point. Records without a position keep their relative order at the end.
func SortByDistance(records []Aircraft, lat, lon float64) []Aircraft {
	out := slices.Clone(records)
	dist := func(a *Aircraft) (float64, bool) { return a.DistanceTo(lat, lon) }

	slices.SortStableFunc(out, func(a, b Aircraft) int {
		da, oka := dist(&a)
		db, okb := dist(&b)
		switch {
		case oka && okb:
			return cmp.Compare(da, db)
		case oka:
			return -1
		case okb:
			return 1
		}
		return 0
	})
	return out
}
