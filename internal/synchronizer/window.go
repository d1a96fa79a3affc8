package synchronizer

import "sort"

// window is one [Since, Until] slice of a relay's history, both bounds
// inclusive unix seconds. Relays serve the newest events first and cap
// results per subscription, so a full page proves nothing about the older
// part of the window; splitting re-scans it.
type window struct {
	Since int64
	Until int64
}

// splitWindow derives the lower half of a saturated window from the
// created_at stamps of the page it returned. The boundary is the median
// stamp rather than the minimum, trading some re-received events for
// tolerance of relays that order loosely near the page edge; the store
// deduplicates the overlap. The second return is false when the window
// cannot be narrowed any further, which happens when a full page sits on
// the window floor.
func splitWindow(w window, stamps []int64) (window, bool) {
	if len(stamps) == 0 {
		return window{}, false
	}

	sorted := make([]int64, len(stamps))
	copy(sorted, stamps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	median := clampStamp(sorted[len(sorted)/2], w)

	lower := window{Since: w.Since, Until: median}
	if lower == w || median <= w.Since {
		return window{}, false
	}

	return lower, true
}

// clampStamp forces a created_at into the window bounds. Relays may hand
// back events outside the requested range; letting those steer the split
// would walk the scan out of the window.
func clampStamp(stamp int64, w window) int64 {
	if stamp < w.Since {
		return w.Since
	}

	if stamp > w.Until {
		return w.Until
	}

	return stamp
}
