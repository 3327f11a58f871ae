package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/conserve/internal/ir"
)

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// marshalUnits stores amounts as integer fixed-point units so reads are
// exact.
func marshalUnits(amounts []ir.Energy) (string, error) {
	units := make([]int64, len(amounts))
	for i, a := range amounts {
		units[i] = int64(a)
	}
	data, err := json.Marshal(units)
	if err != nil {
		return "", fmt.Errorf("marshal amounts: %w", err)
	}
	return string(data), nil
}

func unmarshalUnits(data string) ([]ir.Energy, error) {
	var units []int64
	if err := json.Unmarshal([]byte(data), &units); err != nil {
		return nil, fmt.Errorf("unmarshal amounts: %w", err)
	}
	out := make([]ir.Energy, len(units))
	for i, u := range units {
		out[i] = ir.Energy(u)
	}
	return out, nil
}

func marshalStrings[T ~string](items []T) (string, error) {
	if items == nil {
		items = []T{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("marshal list: %w", err)
	}
	return string(data), nil
}

func unmarshalStrings[T ~string](data string) ([]T, error) {
	var out []T
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, fmt.Errorf("unmarshal list: %w", err)
	}
	return out, nil
}
