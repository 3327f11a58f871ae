package engine

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/conserve/internal/ir"
)

func TestEncodeDecode_AllVariants(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	evt := &ir.Event{ID: "e1", ParentIDs: []string{"e0"}, Timestamp: at, Origin: "A"}

	ops := []Operation{
		Allocate{Entity: "A", Amount: e(0.6), Event: evt},
		Transfer{From: "A", To: "B", Amount: e(0.3)},
		Decay{Entity: "A", Elapsed: 10 * time.Second},
		Release{Entity: "A"},
		RecordEvent{Event: *evt},
		GrantCapability{By: "root", Entity: "A", Capability: "write"},
		RevokeCapability{By: "A", Entity: "A", Capability: "write"},
		ConsumeResource{Entity: "A", Resource: ir.ResourceMemory, Amount: 512},
		FreeResource{Entity: "A", Resource: ir.ResourceMemory, Amount: 256},
		Terminate{By: "root", Entity: "A", Reason: "done"},
	}
	require.Len(t, ops, len(OpKinds))

	for _, op := range ops {
		t.Run(string(op.Kind()), func(t *testing.T) {
			rec := Encode(op)
			assert.Equal(t, op.Kind(), rec.Op)

			data, err := json.Marshal(rec)
			require.NoError(t, err)
			var back OperationRecord
			require.NoError(t, json.Unmarshal(data, &back))

			got, err := back.Decode()
			require.NoError(t, err)
			assert.Equal(t, Encode(op).Digest(), Encode(got).Digest())
			assert.Equal(t, op.Entities(), got.Entities())
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	_, err := OperationRecord{}.Decode()
	assert.ErrorContains(t, err, "op is required")

	_, err = OperationRecord{Op: "launch"}.Decode()
	assert.ErrorContains(t, err, "unknown op")

	_, err = OperationRecord{Op: OpRecordEvent}.Decode()
	assert.ErrorContains(t, err, "event is required")
}

func TestDigest_StableAndDistinct(t *testing.T) {
	a := Encode(Allocate{Entity: "A", Amount: e(0.6)})
	b := Encode(Allocate{Entity: "A", Amount: e(0.6)})
	c := Encode(Allocate{Entity: "A", Amount: e(0.5)})

	assert.Equal(t, a.Digest(), b.Digest())
	assert.NotEqual(t, a.Digest(), c.Digest())
}

func TestEntities_IncludesEventOrigin(t *testing.T) {
	op := Allocate{Entity: "A", Amount: 1, Event: &ir.Event{ID: "x", Origin: "B"}}
	assert.Equal(t, []ir.EntityID{"A", "B"}, op.Entities())

	op2 := GrantCapability{By: "A", Entity: "A", Capability: "c"}
	assert.Equal(t, []ir.EntityID{"A"}, op2.Entities())
}

func TestViolation_Helpers(t *testing.T) {
	v := &Violation{Kind: ViolationSelfCausation, Message: "cycle", Entity: "A"}
	assert.True(t, v.IsFatal())
	assert.True(t, IsFatal(v))
	assert.True(t, IsViolation(v, ViolationSelfCausation))
	assert.False(t, IsViolation(v, ViolationTemporal))
	assert.Contains(t, v.Error(), "entity=A")

	plain := &Violation{Kind: ViolationTemporal, Message: "late"}
	assert.False(t, plain.IsFatal())
	assert.Equal(t, "TemporalViolation: late", plain.Error())

	_, ok := AsViolation(assert.AnError)
	assert.False(t, ok)
}
