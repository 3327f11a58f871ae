package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/conserve/internal/engine"
	"github.com/roach88/conserve/internal/ir"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// AuditFilter narrows ReadAudit. Zero values match everything.
type AuditFilter struct {
	AfterSeq int64
	Kind     engine.OpKind
	Actor    ir.EntityID
	Limit    int
}

// ReadAudit returns audit records ordered by seq ASC.
//
// Transaction and Event are populated from their tables. Returns an empty
// slice (not nil) if nothing matches.
func (s *Store) ReadAudit(ctx context.Context, f AuditFilter) ([]engine.AuditRecord, error) {
	query := `
		SELECT seq, kind, actor, operation, digest, tx_id, event_id, cause, balances_hash, timestamp
		FROM audit_records
		WHERE seq > ?`
	args := []any{f.AfterSeq}
	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(f.Kind))
	}
	if f.Actor != "" {
		query += ` AND actor = ?`
		args = append(args, string(f.Actor))
	}
	query += ` ORDER BY seq ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	type pendingRef struct {
		idx     int
		txID    string
		eventID string
	}
	records := []engine.AuditRecord{}
	var refs []pendingRef
	for rows.Next() {
		rec, txID, eventID, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
		refs = append(refs, pendingRef{len(records) - 1, txID, eventID})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit: %w", err)
	}
	rows.Close()

	// SetMaxOpenConns(1): resolve references only after the cursor is closed.
	for _, ref := range refs {
		if ref.txID != "" {
			t, err := s.ReadTransaction(ctx, ref.txID)
			if err != nil {
				return nil, fmt.Errorf("audit %d: %w", records[ref.idx].Seq, err)
			}
			records[ref.idx].Transaction = &t
		}
		if ref.eventID != "" {
			ev, err := s.ReadEvent(ctx, ref.eventID)
			if err != nil {
				return nil, fmt.Errorf("audit %d: %w", records[ref.idx].Seq, err)
			}
			records[ref.idx].Event = &ev
		}
	}
	return records, nil
}

func scanAudit(rows *sql.Rows) (engine.AuditRecord, string, string, error) {
	var (
		rec           engine.AuditRecord
		kind, actor   string
		opJSON, cause string
		ts            string
		txID, eventID sql.NullString
	)
	if err := rows.Scan(&rec.Seq, &kind, &actor, &opJSON, &rec.Digest, &txID, &eventID, &cause, &rec.BalancesHash, &ts); err != nil {
		return rec, "", "", fmt.Errorf("scan audit: %w", err)
	}
	rec.Kind = engine.OpKind(kind)
	rec.Actor = ir.EntityID(actor)
	rec.Cause = engine.ViolationKind(cause)
	if err := json.Unmarshal([]byte(opJSON), &rec.Operation); err != nil {
		return rec, "", "", fmt.Errorf("audit %d: unmarshal operation: %w", rec.Seq, err)
	}
	t, err := parseTime(ts)
	if err != nil {
		return rec, "", "", fmt.Errorf("audit %d: %w", rec.Seq, err)
	}
	rec.Timestamp = t
	return rec, txID.String, eventID.String, nil
}

// LastSeq returns the highest stored audit seq, or 0 for an empty store.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM audit_records`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return seq.Int64, nil
}

// ReadTransaction returns one ledger transaction by id.
func (s *Store) ReadTransaction(ctx context.Context, id string) (ir.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, seq, kind, participants, amounts, timestamp, balances_hash
		FROM transactions WHERE id = ?
	`, id)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Transaction{}, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	return t, err
}

// ReadTransactions returns every ledger transaction ordered by seq ASC.
func (s *Store) ReadTransactions(ctx context.Context) ([]ir.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, seq, kind, participants, amounts, timestamp, balances_hash
		FROM transactions
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	out := []ir.Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row scanner) (ir.Transaction, error) {
	var (
		t                     ir.Transaction
		kind, parts, amts, ts string
	)
	if err := row.Scan(&t.ID, &t.Seq, &kind, &parts, &amts, &ts, &t.BalancesHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return t, err
		}
		return t, fmt.Errorf("scan transaction: %w", err)
	}
	t.Kind = ir.TxKind(kind)
	var err error
	if t.Participants, err = unmarshalStrings[ir.EntityID](parts); err != nil {
		return t, fmt.Errorf("transaction %s: %w", t.ID, err)
	}
	if t.Amounts, err = unmarshalUnits(amts); err != nil {
		return t, fmt.Errorf("transaction %s: %w", t.ID, err)
	}
	if t.Timestamp, err = parseTime(ts); err != nil {
		return t, fmt.Errorf("transaction %s: %w", t.ID, err)
	}
	return t, nil
}

// ReadEvent returns one event by id.
func (s *Store) ReadEvent(ctx context.Context, id string) (ir.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, parent_ids, timestamp, origin FROM events WHERE id = ?
	`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Event{}, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	return ev, err
}

// ReadEvents returns every event in the order it was accepted.
func (s *Store) ReadEvents(ctx context.Context) ([]ir.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, parent_ids, timestamp, origin
		FROM events
		ORDER BY audit_seq ASC, id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	out := []ir.Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func scanEvent(row scanner) (ir.Event, error) {
	var (
		ev                  ir.Event
		parents, ts, origin string
	)
	if err := row.Scan(&ev.ID, &parents, &ts, &origin); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ev, err
		}
		return ev, fmt.Errorf("scan event: %w", err)
	}
	ev.Origin = ir.EntityID(origin)
	var err error
	if ev.ParentIDs, err = unmarshalStrings[string](parents); err != nil {
		return ev, fmt.Errorf("event %s: %w", ev.ID, err)
	}
	if len(ev.ParentIDs) == 0 {
		ev.ParentIDs = nil
	}
	if ev.Timestamp, err = parseTime(ts); err != nil {
		return ev, fmt.Errorf("event %s: %w", ev.ID, err)
	}
	return ev, nil
}

// LatestSnapshot returns the most recently written snapshot.
func (s *Store) LatestSnapshot(ctx context.Context) (engine.Snapshot, error) {
	var state string
	err := s.db.QueryRowContext(ctx, `
		SELECT state FROM snapshots ORDER BY id DESC LIMIT 1
	`).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Snapshot{}, fmt.Errorf("snapshot: %w", ErrNotFound)
	}
	if err != nil {
		return engine.Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	var snap engine.Snapshot
	if err := json.Unmarshal([]byte(state), &snap); err != nil {
		return engine.Snapshot{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snap, nil
}
