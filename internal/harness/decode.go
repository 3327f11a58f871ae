package harness

import (
	"fmt"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/roach88/conserve/internal/engine"
	"github.com/roach88/conserve/internal/ir"
)

var energyType = reflect.TypeOf(ir.Energy(0))

// energyHook converts normalized YAML numbers and decimal strings to
// fixed-point energy. Without it mapstructure would truncate 0.6 to 0.
func energyHook(from, to reflect.Type, data any) (any, error) {
	if to != energyType {
		return data, nil
	}
	switch v := data.(type) {
	case float64:
		return ir.EnergyFromFloat(v), nil
	case int:
		return ir.EnergyFromFloat(float64(v)), nil
	case int64:
		return ir.EnergyFromFloat(float64(v)), nil
	case string:
		return ir.ParseEnergy(v)
	default:
		return data, nil
	}
}

// decodeRecord decodes a step's operation fields into an OperationRecord.
// Unknown keys are errors.
func decodeRecord(fields map[string]any) (engine.OperationRecord, error) {
	var rec engine.OperationRecord
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			energyHook,
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
		),
		ErrorUnused: true,
		Result:      &rec,
	})
	if err != nil {
		return rec, err
	}
	if err := dec.Decode(fields); err != nil {
		return rec, fmt.Errorf("decode step: %w", err)
	}
	return rec, nil
}

// decodeStep turns a step into an operation. Events without a timestamp are
// stamped with now.
func decodeStep(step Step, now time.Time) (engine.Operation, error) {
	rec, err := decodeRecord(step.Op)
	if err != nil {
		return nil, err
	}
	if rec.Event != nil && rec.Event.Timestamp.IsZero() {
		rec.Event.Timestamp = now
	}
	return rec.Decode()
}
