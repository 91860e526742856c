package geo

import (
	"encoding/json"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateDistance(t *testing.T) {
	tests := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		want                   float64
		tolerance              float64
	}{
		{"same point in Yaounde", 3.8480, 11.5021, 3.8480, 11.5021, 0, 1e-9},
		{"one degree of longitude at the equator", 0, 0, 0, 1, 111.19, 0.5},
		{"Yaounde to Douala", 3.8480, 11.5021, 4.0511, 9.7679, 194, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CalculateDistance(tt.lat1, tt.lon1, tt.lat2, tt.lon2)
			assert.InDelta(t, tt.want, got, tt.tolerance)
		})
	}
}

func TestCalculateDistanceIsSymmetric(t *testing.T) {
	a := CalculateDistance(3.8480, 11.5021, 4.0511, 9.7679)
	b := CalculateDistance(4.0511, 9.7679, 3.8480, 11.5021)
	assert.InDelta(t, a, b, 1e-9)
}

func TestFormatDistance(t *testing.T) {
	tests := []struct {
		km   float64
		want string
	}{
		{0, "0 m"},
		{0.5, "500 m"},
		{0.0424, "42 m"},
		{1.0, "1.0 km"},
		{12.34, "12.3 km"},
		{194.04, "194.0 km"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatDistance(tt.km), "FormatDistance(%v)", tt.km)
	}
}

func ptr(f float64) *float64 { return &f }

func TestAugmentKeepsServerDistance(t *testing.T) {
	in := []SearchResult{{
		ID:        "1",
		Latitude:  ptr(3.86),
		Longitude: ptr(11.52),
		Distance:  "2.5 km",
	}}

	out := Augment(in, NewUserPosition(3.8480, 11.5021))

	require.Len(t, out, 1)
	assert.Equal(t, "2.5 km", out[0].Distance)
	assert.Nil(t, out[0].DistanceKm)
}

func TestAugmentComputesMissingDistance(t *testing.T) {
	in := []SearchResult{
		{ID: "near", Latitude: ptr(3.8480), Longitude: ptr(11.506607)},
		{ID: "no-coords"},
		{ID: "far", Latitude: ptr(4.0511), Longitude: ptr(9.7679)},
	}

	out := Augment(in, NewUserPosition(3.8480, 11.5021))

	require.Len(t, out, 3)
	assert.Equal(t, []string{"near", "no-coords", "far"}, []string{out[0].ID, out[1].ID, out[2].ID})

	assert.Equal(t, "500 m", out[0].Distance)
	require.NotNil(t, out[0].DistanceKm)
	assert.InDelta(t, 0.5, *out[0].DistanceKm, 0.01)

	assert.Empty(t, out[1].Distance)
	assert.Nil(t, out[1].DistanceKm)

	assert.Contains(t, out[2].Distance, "km")

	// the input is not mutated
	assert.Empty(t, in[0].Distance)
}

func TestAugmentWithoutPositionIsIdentity(t *testing.T) {
	in := []SearchResult{{ID: "1", Latitude: ptr(3.86), Longitude: ptr(11.52)}}
	lat := 3.8

	for name, pos := range map[string]*UserPosition{
		"nil":         nil,
		"empty":       {},
		"missing lng": {Latitude: &lat},
		"missing lat": {Longitude: &lat},
	} {
		t.Run(name, func(t *testing.T) {
			out := Augment(in, pos)
			assert.Same(t, &in[0], &out[0])
			assert.Equal(t, in, out)
		})
	}
}

func TestPositionFromQuery(t *testing.T) {
	pos := PositionFromQuery(url.Values{"lat": {"3.848"}, "lng": {"11.5021"}})
	require.True(t, pos.Complete())
	assert.InDelta(t, 3.848, *pos.Latitude, 1e-9)

	pos = PositionFromQuery(url.Values{"latitude": {"4"}, "longitude": {"9.7"}})
	assert.True(t, pos.Complete())

	assert.Nil(t, PositionFromQuery(url.Values{"lat": {"3.8"}}))
	assert.Nil(t, PositionFromQuery(url.Values{"lat": {"x"}, "lng": {"1"}}))
}

func TestAugmentJSONArray(t *testing.T) {
	body := []byte(`[
		{"id": 7, "name": "Pharmacie du Lac", "latitude": "3.8480", "longitude": "11.506607", "stock_status": "in_stock"},
		{"id": 8, "name": "Pharmacie Centrale", "latitude": 3.86, "longitude": 11.52, "distance": "1.2 km"}
	]`)

	out, changed, err := AugmentJSON(body, NewUserPosition(3.8480, 11.5021))
	require.NoError(t, err)
	require.True(t, changed)

	var got []map[string]any
	require.NoError(t, json.Unmarshal(out, &got))
	require.Len(t, got, 2)

	assert.Equal(t, "500 m", got[0]["distance"])
	assert.InDelta(t, 0.5, got[0]["distance_km"], 0.01)
	assert.Equal(t, "in_stock", got[0]["stock_status"])
	assert.EqualValues(t, 7, got[0]["id"])

	assert.Equal(t, "1.2 km", got[1]["distance"])
	assert.NotContains(t, got[1], "distance_km")
}

func TestAugmentJSONWrappedWithNestedPharmacy(t *testing.T) {
	body := []byte(`{"count": 1, "results": [
		{"medicine": "Paracetamol", "price": "500 FCFA", "pharmacy": {"id": 3, "latitude": 3.8480, "longitude": 11.506607}}
	]}`)

	out, changed, err := AugmentJSON(body, NewUserPosition(3.8480, 11.5021))
	require.NoError(t, err)
	require.True(t, changed)

	var got struct {
		Count   int              `json:"count"`
		Results []map[string]any `json:"results"`
	}
	require.NoError(t, json.Unmarshal(out, &got))
	assert.Equal(t, 1, got.Count)
	assert.Equal(t, "500 m", got.Results[0]["distance"])
	assert.Equal(t, "500 FCFA", got.Results[0]["price"])
}

func TestAugmentJSONUnchanged(t *testing.T) {
	body := []byte(`{"detail": "not found"}`)
	out, changed, err := AugmentJSON(body, NewUserPosition(1, 1))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, body, out)

	out, changed, err = AugmentJSON([]byte(`[{"id":1,"latitude":1,"longitude":1}]`), nil)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, `[{"id":1,"latitude":1,"longitude":1}]`, string(out))
}

func TestAugmentJSONKeepsHTMLCharactersVerbatim(t *testing.T) {
	body := []byte(`{"results": [{"name": "Pharmacie A&B <Centre>", "longitude": 11.506607, "latitude": 3.8480}],
		"next": "/api/pharmacies/?page=2&lat=3.848"}`)

	out, changed, err := AugmentJSON(body, NewUserPosition(3.8480, 11.5021))
	require.NoError(t, err)
	require.True(t, changed)

	s := string(out)
	assert.Contains(t, s, `"Pharmacie A&B <Centre>"`)
	assert.Contains(t, s, `"/api/pharmacies/?page=2&lat=3.848"`)
	assert.NotContains(t, s, `\u0026`)
	assert.NotContains(t, s, `\u003c`)

	// rewritten objects are emitted in key order
	assert.Less(t, strings.Index(s, `"distance"`), strings.Index(s, `"latitude"`))
	assert.Less(t, strings.Index(s, `"latitude"`), strings.Index(s, `"longitude"`))
	assert.Less(t, strings.Index(s, `"longitude"`), strings.Index(s, `"name"`))
	assert.Less(t, strings.Index(s, `"next"`), strings.Index(s, `"results"`))
}
