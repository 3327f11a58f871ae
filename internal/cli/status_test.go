package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_Text(t *testing.T) {
	db := seedDB(t)

	out, err := execute(t, "", "status", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "Pool:      0.6 allocated, 0.4 free, 1 total")
	assert.Contains(t, out, "Entities:  2 funded")
	assert.Contains(t, out, "Trail:     3 records")
	assert.Contains(t, out, "Snapshot:  at seq 3")
}

func TestStatus_JSON(t *testing.T) {
	db := seedDB(t)

	out, err := execute(t, "", "--format", "json", "status", "--db", db)
	require.NoError(t, err)

	var resp struct {
		Data StatusResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, 3, resp.Data.Records)
	assert.Equal(t, 2, resp.Data.State.ActiveEntities)
	assert.InDelta(t, 0.3, resp.Data.State.Distribution.Mean, 1e-9)
	assert.Equal(t, int64(3), resp.Data.SnapshotSeq)
}

func TestStatus_ReportsTerminated(t *testing.T) {
	db := seedDB(t)
	_, err := execute(t, `{"op":"terminate","by":"b","entity":"b","reason":"done"}`, "run", "--db", db)
	require.NoError(t, err)

	out, err := execute(t, "", "status", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "Terminated: b")
	assert.Contains(t, out, "Entities:  1 funded")
}
