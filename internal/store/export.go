package store

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/gocarina/gocsv"

	"github.com/roach88/conserve/internal/engine"
)

// AuditRow is the flat CSV form of an audit record.
type AuditRow struct {
	Seq          int64  `csv:"seq"`
	Timestamp    string `csv:"timestamp"`
	Kind         string `csv:"kind"`
	Actor        string `csv:"actor"`
	TxID         string `csv:"tx_id"`
	TxKind       string `csv:"tx_kind"`
	Participants string `csv:"participants"`
	Amounts      string `csv:"amounts"`
	EventID      string `csv:"event_id"`
	Cause        string `csv:"cause"`
	BalancesHash string `csv:"balances_hash"`
	Digest       string `csv:"digest"`
}

// NewAuditRow flattens rec. Participants and amounts are joined with ";".
func NewAuditRow(rec engine.AuditRecord) AuditRow {
	row := AuditRow{
		Seq:          rec.Seq,
		Timestamp:    formatTime(rec.Timestamp),
		Kind:         string(rec.Kind),
		Actor:        string(rec.Actor),
		Cause:        string(rec.Cause),
		BalancesHash: rec.BalancesHash,
		Digest:       rec.Digest,
	}
	if t := rec.Transaction; t != nil {
		row.TxID = t.ID
		row.TxKind = string(t.Kind)
		parts := make([]string, len(t.Participants))
		amts := make([]string, len(t.Amounts))
		for i := range t.Participants {
			parts[i] = string(t.Participants[i])
		}
		for i := range t.Amounts {
			amts[i] = t.Amounts[i].String()
		}
		row.Participants = strings.Join(parts, ";")
		row.Amounts = strings.Join(amts, ";")
	}
	if rec.Event != nil {
		row.EventID = rec.Event.ID
	}
	return row
}

// ExportCSV writes the audit records matching f to w as CSV with a header.
func (s *Store) ExportCSV(ctx context.Context, w io.Writer, f AuditFilter) error {
	records, err := s.ReadAudit(ctx, f)
	if err != nil {
		return fmt.Errorf("export csv: %w", err)
	}
	rows := make([]*AuditRow, len(records))
	for i, rec := range records {
		row := NewAuditRow(rec)
		rows[i] = &row
	}
	if err := gocsv.Marshal(rows, w); err != nil {
		return fmt.Errorf("export csv: %w", err)
	}
	return nil
}
