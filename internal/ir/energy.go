package ir

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnergyScale is the number of fixed-point units in one normalized unit of
// energy. A pool of 1.0 holds exactly EnergyScale units.
const EnergyScale = 1_000_000_000

// Energy is an amount of the conserved resource in fixed-point units.
//
// Configuration and operation payloads speak in normalized floats (0.6, 1.0);
// everything inside the ledger is integer arithmetic so that
// sum(balances) <= total is decided exactly.
type Energy int64

// EnergyFromFloat converts a normalized amount to fixed point, rounding to
// the nearest unit.
func EnergyFromFloat(f float64) Energy {
	return Energy(math.Round(f * EnergyScale))
}

// ParseEnergy parses a normalized decimal amount such as "0.25".
func ParseEnergy(s string) (Energy, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("parse energy %q: %w", s, err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("parse energy %q: not finite", s)
	}
	// float64(math.MaxInt64) rounds up to 2^63, so >= rejects it too.
	if units := math.Round(f * EnergyScale); units >= math.MaxInt64 || units < math.MinInt64 {
		return 0, fmt.Errorf("parse energy %q: out of range", s)
	}
	return EnergyFromFloat(f), nil
}

// RateOver returns rate*d where rate is an amount per second.
func RateOver(rate Energy, d time.Duration) Energy {
	if d <= 0 || rate <= 0 {
		return 0
	}
	return Energy(math.Round(float64(rate) * d.Seconds()))
}

// Float64 returns the normalized value.
func (e Energy) Float64() float64 {
	return float64(e) / EnergyScale
}

func (e Energy) String() string {
	return strconv.FormatFloat(e.Float64(), 'f', -1, 64)
}

// MarshalJSON encodes the normalized value as a JSON number.
func (e Energy) MarshalJSON() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalJSON accepts a JSON number or a quoted decimal.
func (e *Energy) UnmarshalJSON(data []byte) error {
	v, err := ParseEnergy(strings.Trim(string(data), `"`))
	if err != nil {
		return err
	}
	*e = v
	return nil
}

// MarshalYAML encodes the normalized value.
func (e Energy) MarshalYAML() (any, error) {
	return e.Float64(), nil
}

// UnmarshalYAML decodes a normalized scalar.
func (e *Energy) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: energy must be a scalar", node.Line)
	}
	v, err := ParseEnergy(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*e = v
	return nil
}

// UnmarshalText decodes a normalized decimal. TOML numbers arrive here
// already formatted as text.
func (e *Energy) UnmarshalText(text []byte) error {
	v, err := ParseEnergy(string(text))
	if err != nil {
		return err
	}
	*e = v
	return nil
}
