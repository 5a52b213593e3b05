package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/tidwall/gjson"
)

var (
	ErrPayloadNotObject = errors.New("payload must be a JSON object")
	ErrMissingSnippetID = errors.New("snippetId is required")
	ErrBadCoordinate    = errors.New("coordinates must be numbers within range")
)

// Coordinates are stored as 32-bit integers.
const (
	MinCoord = math.MinInt32
	MaxCoord = math.MaxInt32
)

// RoundCoord rounds half up, the same way browsers round canvas positions.
// Values outside the stored range are clamped; NaN becomes 0.
func RoundCoord(v float64) int {
	switch {
	case math.IsNaN(v):
		return 0
	case v >= MaxCoord:
		return MaxCoord
	case v <= MinCoord:
		return MinCoord
	}
	return int(math.Floor(v + 0.5))
}

// ValidCoord reports whether v rounds to a storable coordinate.
func ValidCoord(v float64) bool {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}
	r := math.Floor(v + 0.5)
	return r >= MinCoord && r <= MaxCoord
}

// Normalize validates a mutation payload and returns it as a field map with
// coordinates rounded to integers. Business fields are passed through
// untouched.
func Normalize(t MessageType, payload json.RawMessage) (map[string]any, error) {
	if !gjson.ValidBytes(payload) || !gjson.ParseBytes(payload).IsObject() {
		return nil, ErrPayloadNotObject
	}
	switch t {
	case TypeSnippetMove, TypeSnippetUpdate, TypeSnippetDelete:
		id := gjson.GetBytes(payload, "snippetId")
		if id.Type != gjson.String || id.Str == "" {
			return nil, ErrMissingSnippetID
		}
	}
	if t == TypeSnippetMove {
		for _, key := range []string{"x", "y"} {
			if gjson.GetBytes(payload, key).Type != gjson.Number {
				return nil, fmt.Errorf("%w: %s", ErrBadCoordinate, key)
			}
		}
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	fields := make(map[string]any)
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	for _, key := range []string{"x", "y"} {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		num, ok := raw.(json.Number)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrBadCoordinate, key)
		}
		f, err := num.Float64()
		if err != nil || !ValidCoord(f) {
			return nil, fmt.Errorf("%w: %s", ErrBadCoordinate, key)
		}
		fields[key] = RoundCoord(f)
	}
	return fields, nil
}
