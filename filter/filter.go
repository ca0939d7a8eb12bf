package filter

import (
	"spareroom-monitor/models"
)

// NewAds returns the listings whose id is numerically greater than the watermark,
// in input order. An empty watermark means nothing has been seen yet, so the
// first cycle for a subscriber reports no ads. A watermark that is not a
// decimal id cannot be compared and is treated the same way.
func NewAds(listings []models.Listing, watermark string) []models.Listing {
	if !ValidWatermark(watermark) {
		return []models.Listing{}
	}

	filtered := make([]models.Listing, 0, len(listings))
	for _, listing := range listings {
		if isNewer(listing, watermark) {
			filtered = append(filtered, listing)
		}
	}

	return filtered
}

// isNewer checks if a listing was posted after the watermark ad
func isNewer(listing models.Listing, watermark string) bool {
	if !models.IsNumericID(listing.ID) {
		return false
	}
	return models.CompareIDs(listing.ID, watermark) > 0
}

// ValidWatermark reports whether a stored watermark can be compared against ad ids
func ValidWatermark(watermark string) bool {
	return models.IsNumericID(watermark)
}

// Newest returns the id of the first listing, which is the newest when the
// slice comes sorted from the parser. Empty input returns "".
func Newest(listings []models.Listing) string {
	if len(listings) == 0 {
		return ""
	}
	return listings[0].ID
}
