package geo

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// listKeys are the object members that may hold the result array of a
// paginated or wrapped search response.
var listKeys = []string{"results", "pharmacies"}

// AugmentJSON applies the Augment rules to a JSON search response, either
// a bare array of results or an object wrapping one. Members the
// augmenter does not know are preserved. The boolean reports whether
// the document changed; when it did not, body is returned as is.
//
// Objects that are rewritten come back with their members in key order
// and without insignificant whitespace. String contents are left alone:
// no HTML escaping is applied.
func AugmentJSON(body []byte, pos *UserPosition) ([]byte, bool, error) {
	if !pos.Complete() {
		return body, false, nil
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return body, false, nil
	}

	switch trimmed[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return body, false, err
		}
		if !augmentItems(items, pos) {
			return body, false, nil
		}
		out, err := marshalRaw(items)
		if err != nil {
			return body, false, err
		}
		return out, true, nil

	case '{':
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return body, false, err
		}
		changed := false
		for _, key := range listKeys {
			raw, ok := doc[key]
			if !ok {
				continue
			}
			var items []json.RawMessage
			if err := json.Unmarshal(raw, &items); err != nil {
				continue
			}
			if !augmentItems(items, pos) {
				continue
			}
			b, err := marshalRaw(items)
			if err != nil {
				return body, false, err
			}
			doc[key] = b
			changed = true
		}
		if !changed {
			return body, false, nil
		}
		out, err := marshalRaw(doc)
		if err != nil {
			return body, false, err
		}
		return out, true, nil
	}
	return body, false, nil
}

func augmentItems(items []json.RawMessage, pos *UserPosition) bool {
	changed := false
	for i, raw := range items {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
			continue
		}
		lat, lng := coordinates(fields)
		km, ok := distanceTo(pos, existingDistance(fields), lat, lng)
		if !ok {
			continue
		}
		label, _ := json.Marshal(FormatDistance(km))
		value, _ := json.Marshal(km)
		fields["distance"] = label
		fields["distance_km"] = value

		b, err := marshalRaw(fields)
		if err != nil {
			continue
		}
		items[i] = b
		changed = true
	}
	return changed
}

func marshalRaw(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func existingDistance(fields map[string]json.RawMessage) string {
	raw, ok := fields["distance"]
	if !ok {
		return ""
	}
	s := strings.TrimSpace(string(raw))
	if s == "null" {
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	return s
}

// coordinates looks for the entry's own coordinates first, then for those
// of a nested pharmacy (medicine results embed the pharmacy).
func coordinates(fields map[string]json.RawMessage) (*float64, *float64) {
	lat := numberField(fields, "latitude", "lat")
	lng := numberField(fields, "longitude", "lng", "lon")
	if lat != nil && lng != nil {
		return lat, lng
	}
	raw, ok := fields["pharmacy"]
	if !ok {
		return nil, nil
	}
	var nested map[string]json.RawMessage
	if err := json.Unmarshal(raw, &nested); err != nil || nested == nil {
		return nil, nil
	}
	return numberField(nested, "latitude", "lat"), numberField(nested, "longitude", "lng", "lon")
}

// numberField accepts JSON numbers and numeric strings, which is how
// decimal fields are usually serialized by the backend.
func numberField(fields map[string]json.RawMessage, names ...string) *float64 {
	for _, n := range names {
		raw, ok := fields[n]
		if !ok {
			continue
		}
		var f float64
		if err := json.Unmarshal(raw, &f); err == nil {
			return &f
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if v, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return &v
			}
		}
	}
	return nil
}
