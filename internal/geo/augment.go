package geo

import (
	"net/url"
	"strconv"
	"strings"
)

// UserPosition is the client's location. Either coordinate may be unknown.
type UserPosition struct {
	Latitude  *float64
	Longitude *float64
}

func NewUserPosition(lat, lng float64) *UserPosition {
	return &UserPosition{Latitude: &lat, Longitude: &lng}
}

// Complete reports whether both coordinates are known.
func (p *UserPosition) Complete() bool {
	return p != nil && p.Latitude != nil && p.Longitude != nil
}

// PositionFromQuery reads lat/lng (or latitude/longitude, lon) from a
// query string. It returns nil when either coordinate is missing or does
// not parse.
func PositionFromQuery(q url.Values) *UserPosition {
	lat, okLat := firstFloat(q, "lat", "latitude")
	lng, okLng := firstFloat(q, "lng", "lon", "longitude")
	if !okLat || !okLng {
		return nil
	}
	return NewUserPosition(lat, lng)
}

func firstFloat(q url.Values, names ...string) (float64, bool) {
	for _, n := range names {
		s := strings.TrimSpace(q.Get(n))
		if s == "" {
			continue
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return v, true
	}
	return 0, false
}

// SearchResult is a pharmacy, optionally tied to a medicine, as returned by
// the backend search.
type SearchResult struct {
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
	Price       string   `json:"price,omitempty"`
	StockStatus string   `json:"stock_status,omitempty"`
	Distance    string   `json:"distance,omitempty"`
	DistanceKm  *float64 `json:"distance_km,omitempty"`
}

// Augment attaches a distance label and the raw kilometre value to every
// result that has coordinates but no distance yet. Results that already
// carry a distance pass through untouched. Order is preserved.
//
// When pos is nil or incomplete the input slice itself is returned.
func Augment(results []SearchResult, pos *UserPosition) []SearchResult {
	if !pos.Complete() {
		return results
	}

	out := make([]SearchResult, len(results))
	for i, r := range results {
		out[i] = r
		km, ok := distanceTo(pos, r.Distance, r.Latitude, r.Longitude)
		if !ok {
			continue
		}
		out[i].DistanceKm = &km
		out[i].Distance = FormatDistance(km)
	}
	return out
}

// distanceTo is the decision shared by the typed and the JSON augmenters.
func distanceTo(pos *UserPosition, existing string, lat, lng *float64) (float64, bool) {
	if existing != "" || lat == nil || lng == nil {
		return 0, false
	}
	return CalculateDistance(*pos.Latitude, *pos.Longitude, *lat, *lng), true
}
