package store

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/conserve/internal/engine"
	"github.com/roach88/conserve/internal/ir"
	"github.com/roach88/conserve/internal/testutil"
)

// createTestStore creates a new store in a temp dir for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// newRecordedEngine returns an engine whose audit trail is written to s.
func newRecordedEngine(t *testing.T, s *Store, cfg engine.Config) (*engine.Engine, *testutil.ManualClock) {
	t.Helper()
	clk := testutil.NewManualClock(time.Time{})
	eng := engine.New(cfg,
		engine.WithWallClock(clk.Now),
		engine.WithIDGenerator(engine.NewSequentialGenerator("tx")),
		engine.WithSink(s),
	)
	return eng, clk
}

func exec(t *testing.T, eng *engine.Engine, op engine.Operation) {
	t.Helper()
	_, err := eng.Execute(context.Background(), op)
	require.NoError(t, err)
}

func e(f float64) ir.Energy { return ir.EnergyFromFloat(f) }

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err, "database file was not created")
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	for i := 0; i < 3; i++ {
		s, err := Open(path)
		require.NoError(t, err, "Open() iteration %d", i)
		s.Close()
	}
}

func TestOpen_Pragmas(t *testing.T) {
	s := createTestStore(t)
	for name, want := range map[string]string{
		"journal_mode": "wal",
		"foreign_keys": "1",
		"busy_timeout": "5000",
	} {
		got, err := s.pragma(name)
		require.NoError(t, err)
		assert.Equal(t, want, got, name)
	}

	v, err := s.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, migrations[len(migrations)-1].version, v)
}

func TestOpen_Memory(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	last, err := s.LastSeq(context.Background())
	require.NoError(t, err)
	assert.Zero(t, last)
}

func TestWriteAudit_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	eng, clk := newRecordedEngine(t, s, engine.DefaultConfig())
	ctx := context.Background()

	exec(t, eng, engine.Allocate{Entity: "A", Amount: e(0.6)})
	exec(t, eng, engine.GrantCapability{By: "A", Entity: "A", Capability: engine.TransferCapability})
	clk.Advance(time.Second)
	exec(t, eng, engine.Transfer{From: "A", To: "B", Amount: e(0.3),
		Event: &ir.Event{ID: "t1", Timestamp: clk.Now(), Origin: "A"}})
	exec(t, eng, engine.RecordEvent{Event: ir.Event{ID: "t2", ParentIDs: []string{"t1"}, Timestamp: clk.Now(), Origin: "B"}})

	got, err := s.ReadAudit(ctx, AuditFilter{})
	require.NoError(t, err)
	assert.Equal(t, eng.Audit(), got)

	txs, err := s.ReadTransactions(ctx)
	require.NoError(t, err)
	assert.Equal(t, eng.Transactions(), txs)

	events, err := s.ReadEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, eng.Events(), events)

	last, err := s.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), last)
}

func TestWriteAudit_Idempotent(t *testing.T) {
	s := createTestStore(t)
	eng, _ := newRecordedEngine(t, s, engine.DefaultConfig())
	ctx := context.Background()
	exec(t, eng, engine.Allocate{Entity: "A", Amount: e(0.6)})

	rec := eng.Audit()[0]
	require.NoError(t, s.WriteAudit(ctx, rec))
	require.NoError(t, s.WriteAudit(ctx, rec))

	got, err := s.ReadAudit(ctx, AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestReadAudit_Filter(t *testing.T) {
	s := createTestStore(t)
	eng, _ := newRecordedEngine(t, s, engine.DefaultConfig())
	ctx := context.Background()
	exec(t, eng, engine.Allocate{Entity: "A", Amount: e(0.2)})
	exec(t, eng, engine.Allocate{Entity: "B", Amount: e(0.2)})
	exec(t, eng, engine.Release{Entity: "A"})

	byKind, err := s.ReadAudit(ctx, AuditFilter{Kind: engine.OpAllocate})
	require.NoError(t, err)
	assert.Len(t, byKind, 2)

	byActor, err := s.ReadAudit(ctx, AuditFilter{Actor: "A"})
	require.NoError(t, err)
	assert.Len(t, byActor, 2)

	after, err := s.ReadAudit(ctx, AuditFilter{AfterSeq: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, int64(2), after[0].Seq)

	none, err := s.ReadAudit(ctx, AuditFilter{Kind: engine.OpTerminate})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestReadMissing(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.ReadTransaction(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.ReadEvent(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.LatestSnapshot(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	seq, err := s.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)
}

func TestSnapshot_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	eng, _ := newRecordedEngine(t, s, engine.DefaultConfig())
	ctx := context.Background()
	exec(t, eng, engine.Allocate{Entity: "A", Amount: e(0.6)})
	exec(t, eng, engine.RevokeCapability{By: "A", Entity: "A", Capability: "write"})

	snap := eng.Snapshot()
	id, err := s.WriteSnapshot(ctx, snap)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	got, err := s.LatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, snap.BalancesHash, got.BalancesHash)
	assert.Equal(t, snap.Balances, got.Balances)
	assert.Equal(t, snap.Revoked, got.Revoked)
	assert.Equal(t, snap.AuditSeq, got.AuditSeq)
}

func TestExportCSV(t *testing.T) {
	s := createTestStore(t)
	eng, _ := newRecordedEngine(t, s, engine.DefaultConfig())
	ctx := context.Background()
	exec(t, eng, engine.Allocate{Entity: "A", Amount: e(0.6)})
	exec(t, eng, engine.GrantCapability{By: "A", Entity: "A", Capability: engine.TransferCapability})
	exec(t, eng, engine.Transfer{From: "A", To: "B", Amount: e(0.25)})

	var buf bytes.Buffer
	require.NoError(t, s.ExportCSV(ctx, &buf, AuditFilter{}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "seq,timestamp,kind,actor,tx_id"))
	assert.Contains(t, lines[3], "transfer")
	assert.Contains(t, lines[3], "A;B")
	assert.Contains(t, lines[3], "-0.25;0.25")
}

func TestReplay_Matches(t *testing.T) {
	s := createTestStore(t)
	cfg := engine.DefaultConfig()
	eng, clk := newRecordedEngine(t, s, cfg)
	ctx := context.Background()

	exec(t, eng, engine.Allocate{Entity: "A", Amount: e(0.6)})
	exec(t, eng, engine.GrantCapability{By: "A", Entity: "A", Capability: engine.TransferCapability})
	exec(t, eng, engine.Transfer{From: "A", To: "B", Amount: e(0.3)})
	clk.Advance(10 * time.Second)
	exec(t, eng, engine.Decay{Entity: "A"})
	exec(t, eng, engine.RecordEvent{Event: ir.Event{ID: "e1", Timestamp: clk.Now(), Origin: "B"}})

	// A fatal violation is stored as a termination.
	_, err := eng.Execute(ctx, engine.RecordEvent{Event: ir.Event{ID: "e2", ParentIDs: []string{"e2"}, Timestamp: clk.Now(), Origin: "B"}})
	require.True(t, engine.IsFatal(err))
	exec(t, eng, engine.Allocate{Entity: "C", Amount: e(0.5)})

	res, err := s.Replay(ctx, cfg)
	require.NoError(t, err)
	assert.True(t, res.Match, res.Reason)
	assert.Equal(t, 7, res.Records)
	assert.Equal(t, eng.Snapshot().BalancesHash, res.ActualHash)
}

func TestReplay_DetectsDivergence(t *testing.T) {
	s := createTestStore(t)
	cfg := engine.DefaultConfig()
	eng, _ := newRecordedEngine(t, s, cfg)
	exec(t, eng, engine.Allocate{Entity: "A", Amount: e(0.6)})
	exec(t, eng, engine.Allocate{Entity: "B", Amount: e(0.3)})

	// A smaller pool cannot reproduce the second allocation.
	small := cfg
	small.Ledger.Total = e(0.7)
	res, err := s.Replay(context.Background(), small)
	require.NoError(t, err)
	assert.False(t, res.Match)
	assert.Equal(t, int64(2), res.DivergedAt)
	assert.Contains(t, res.Reason, "PoolExhausted")
}

func TestReplay_Empty(t *testing.T) {
	s := createTestStore(t)
	res, err := s.Replay(context.Background(), engine.DefaultConfig())
	require.NoError(t, err)
	assert.True(t, res.Match)
	assert.Equal(t, 0, res.Records)
}

func TestRestore_ContinuesLive(t *testing.T) {
	s := createTestStore(t)
	cfg := engine.DefaultConfig()
	eng, _ := newRecordedEngine(t, s, cfg)
	exec(t, eng, engine.Allocate{Entity: "A", Amount: e(0.6)})
	exec(t, eng, engine.Allocate{Entity: "B", Amount: e(0.1)})
	ctx := context.Background()

	live := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewRestorer(func() time.Time { return live }, engine.NewSequentialGenerator("live"))
	restored := engine.New(cfg,
		engine.WithWallClock(r.Now),
		engine.WithIDGenerator(r),
		engine.WithSink(s),
	)
	res, err := s.Restore(ctx, restored, r)
	require.NoError(t, err)
	require.True(t, res.Match, res.Reason)
	assert.False(t, r.Live())

	// Restored commits reuse recorded ids and timestamps.
	txs := restored.Transactions()
	require.Len(t, txs, 2)
	assert.Equal(t, "tx-1", txs[0].ID)
	assert.True(t, testutil.Epoch.Equal(txs[0].Timestamp))

	r.GoLive()
	receipt, err := restored.Execute(ctx, engine.Allocate{Entity: "C", Amount: e(0.2)})
	require.NoError(t, err)
	assert.Equal(t, int64(3), receipt.Seq)
	assert.Equal(t, "live-1", receipt.TxID)
	assert.True(t, live.Equal(receipt.Timestamp))

	last, err := s.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), last)
}

func TestWriteSnapshot_CreatedAt(t *testing.T) {
	at := time.Date(2031, 5, 6, 7, 8, 9, 0, time.UTC)
	s, err := Open(":memory:", WithNow(func() time.Time { return at }))
	require.NoError(t, err)
	defer s.Close()

	eng := engine.New(engine.DefaultConfig())
	id, err := s.WriteSnapshot(context.Background(), eng.Snapshot())
	require.NoError(t, err)

	var created string
	require.NoError(t, s.db.QueryRow(`SELECT created_at FROM snapshots WHERE id = ?`, id).Scan(&created))
	got, err := parseTime(created)
	require.NoError(t, err)
	assert.True(t, at.Equal(got))
}
