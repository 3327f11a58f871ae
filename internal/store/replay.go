package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/conserve/internal/engine"
	"github.com/roach88/conserve/internal/ir"
)

// ReplayResult reports whether re-executing the stored operations reproduced
// the stored balances.
type ReplayResult struct {
	Records      int    `json:"records"`
	ExpectedHash string `json:"expected_hash"`
	ActualHash   string `json:"actual_hash"`
	Match        bool   `json:"match"`

	// DivergedAt is the first seq whose re-execution disagreed with the
	// stored record, or 0.
	DivergedAt int64  `json:"diverged_at,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Restorer is the wall clock and id generator of an engine being rebuilt
// from the trail. While restoring it returns the recorded timestamp and
// transaction id of the record being re-executed; after GoLive it delegates
// to live sources.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Restorer struct {
	mu      sync.Mutex
	at      time.Time
	ids     []string
	live    bool
	liveNow func() time.Time
	liveIDs engine.IDGenerator
}

// NewRestorer returns a Restorer that hands over to now and ids once live.
// Nil arguments default to time.Now and UUIDv7 ids.
func NewRestorer(now func() time.Time, ids engine.IDGenerator) *Restorer {
	if now == nil {
		now = time.Now
	}
	if ids == nil {
		ids = engine.UUIDv7Generator{}
	}
	return &Restorer{liveNow: now, liveIDs: ids}
}

// Now implements engine.WallClock.
func (r *Restorer) Now() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.live {
		return r.liveNow()
	}
	return r.at
}

// Generate implements engine.IDGenerator.
func (r *Restorer) Generate() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.live || len(r.ids) == 0 {
		return r.liveIDs.Generate()
	}
	id := r.ids[0]
	r.ids = r.ids[1:]
	return id
}

// Live reports whether restoring has finished.
func (r *Restorer) Live() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live
}

// GoLive switches to the live clock and id sources.
func (r *Restorer) GoLive() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live = true
	r.ids = nil
}

func (r *Restorer) pin(rec engine.AuditRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.at = rec.Timestamp
	r.ids = r.ids[:0]
	if rec.Transaction != nil {
		r.ids = append(r.ids, rec.Transaction.ID)
	}
}

// Restore re-executes every stored operation on eng, which must be built
// with r as its wall clock and id generator, at the recorded timestamps. It
// compares balances hashes after each record and stops at the first
// divergence. Restore does not call GoLive.
//
// Terminations caused by fatal violations are stored as Terminate records
// and replay as ordinary self-terminations.
func (s *Store) Restore(ctx context.Context, eng *engine.Engine, r *Restorer) (ReplayResult, error) {
	records, err := s.ReadAudit(ctx, AuditFilter{})
	if err != nil {
		return ReplayResult{}, fmt.Errorf("replay: %w", err)
	}

	res := ReplayResult{Records: len(records), ExpectedHash: ir.MustBalancesHash(nil)}
	if len(records) > 0 {
		res.ExpectedHash = records[len(records)-1].BalancesHash
	}
	for _, rec := range records {
		op, err := rec.Operation.Decode()
		if err != nil {
			return res, fmt.Errorf("replay seq %d: %w", rec.Seq, err)
		}
		r.pin(rec)
		receipt, err := eng.Execute(ctx, op)
		if err != nil {
			res.DivergedAt = rec.Seq
			res.Reason = err.Error()
			break
		}
		if receipt.BalancesHash != rec.BalancesHash {
			res.DivergedAt = rec.Seq
			res.Reason = fmt.Sprintf("balances hash %s, recorded %s", receipt.BalancesHash, rec.BalancesHash)
			break
		}
	}
	res.ActualHash = eng.Snapshot().BalancesHash
	res.Match = res.DivergedAt == 0 && res.ActualHash == res.ExpectedHash
	return res, nil
}

// Replay rebuilds a fresh engine from cfg and the stored trail and reports
// whether it reproduces the recorded balances.
func (s *Store) Replay(ctx context.Context, cfg engine.Config) (ReplayResult, error) {
	r := NewRestorer(nil, nil)
	eng := engine.New(cfg,
		engine.WithWallClock(r.Now),
		engine.WithIDGenerator(r),
	)
	return s.Restore(ctx, eng, r)
}
