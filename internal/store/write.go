package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/roach88/conserve/internal/engine"
	"github.com/roach88/conserve/internal/ir"
)

// WriteAudit persists one audit record with its transaction and event in a
// single SQL transaction. It implements engine.AuditSink.
//
// Uses ON CONFLICT DO NOTHING for idempotency - re-delivered records are
// silently ignored.
func (s *Store) WriteAudit(ctx context.Context, rec engine.AuditRecord) error {
	opJSON, err := json.Marshal(rec.Operation)
	if err != nil {
		return fmt.Errorf("write audit %d: marshal operation: %w", rec.Seq, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write audit %d: begin tx: %w", rec.Seq, err)
	}
	defer tx.Rollback() // No-op if committed

	var txID, eventID sql.NullString
	if rec.Transaction != nil {
		txID = sql.NullString{String: rec.Transaction.ID, Valid: true}
	}
	if rec.Event != nil {
		eventID = sql.NullString{String: rec.Event.ID, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_records
		(seq, kind, actor, operation, digest, tx_id, event_id, cause, balances_hash, timestamp, engine_version, record_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(seq) DO NOTHING
	`,
		rec.Seq,
		string(rec.Kind),
		string(rec.Actor),
		string(opJSON),
		rec.Digest,
		txID,
		eventID,
		string(rec.Cause),
		rec.BalancesHash,
		formatTime(rec.Timestamp),
		ir.EngineVersion,
		ir.RecordVersion,
	)
	if err != nil {
		return fmt.Errorf("write audit %d: %w", rec.Seq, err)
	}

	if rec.Transaction != nil {
		if err := writeTransaction(ctx, tx, *rec.Transaction, rec.Seq); err != nil {
			return fmt.Errorf("write audit %d: %w", rec.Seq, err)
		}
	}
	if rec.Event != nil {
		if err := writeEvent(ctx, tx, *rec.Event, rec.Seq); err != nil {
			return fmt.Errorf("write audit %d: %w", rec.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write audit %d: commit: %w", rec.Seq, err)
	}
	return nil
}

func writeTransaction(ctx context.Context, tx *sql.Tx, t ir.Transaction, auditSeq int64) error {
	participants, err := marshalStrings(t.Participants)
	if err != nil {
		return fmt.Errorf("write transaction %s: %w", t.ID, err)
	}
	amounts, err := marshalUnits(t.Amounts)
	if err != nil {
		return fmt.Errorf("write transaction %s: %w", t.ID, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO transactions
		(id, seq, kind, participants, amounts, timestamp, balances_hash, audit_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		t.ID,
		t.Seq,
		string(t.Kind),
		participants,
		amounts,
		formatTime(t.Timestamp),
		t.BalancesHash,
		auditSeq,
	)
	if err != nil {
		return fmt.Errorf("write transaction %s: %w", t.ID, err)
	}
	return nil
}

func writeEvent(ctx context.Context, tx *sql.Tx, ev ir.Event, auditSeq int64) error {
	parents, err := marshalStrings(ev.ParentIDs)
	if err != nil {
		return fmt.Errorf("write event %s: %w", ev.ID, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO events
		(id, parent_ids, timestamp, origin, audit_seq)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		ev.ID,
		parents,
		formatTime(ev.Timestamp),
		string(ev.Origin),
		auditSeq,
	)
	if err != nil {
		return fmt.Errorf("write event %s: %w", ev.ID, err)
	}
	return nil
}

// WriteSnapshot stores an engine snapshot and returns its row id.
func (s *Store) WriteSnapshot(ctx context.Context, snap engine.Snapshot) (int64, error) {
	state, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("write snapshot: marshal: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (audit_seq, balances_hash, state, created_at)
		VALUES (?, ?, ?, ?)
	`,
		snap.AuditSeq,
		snap.BalancesHash,
		string(state),
		formatTime(s.now()),
	)
	if err != nil {
		return 0, fmt.Errorf("write snapshot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("write snapshot: last insert id: %w", err)
	}
	return id, nil
}
