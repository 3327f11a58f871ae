// Package publish streams committed audit records to Redis.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	backend "github.com/redis/go-redis/v9"

	"github.com/roach88/conserve/internal/engine"
)

// DefaultStream is the stream key records are appended to.
const DefaultStream = "conserve:audit"

// Publisher is an engine.AuditSink appending each record to a Redis stream
// with XADD. Stream entry ids are assigned by Redis; the audit seq travels in
// the "seq" field.
type Publisher struct {
	client  *backend.Client
	stream  string
	maxLen  int64
	timeout time.Duration
}

type Option func(*Publisher)

// WithStream sets the stream key.
func WithStream(stream string) Option {
	return func(p *Publisher) {
		p.stream = stream
	}
}

// WithMaxLen caps the stream at roughly n entries (XADD MAXLEN ~).
// Zero keeps every entry.
func WithMaxLen(n int64) Option {
	return func(p *Publisher) {
		p.maxLen = n
	}
}

// WithTimeout bounds each XADD. Sinks run under engine locks.
func WithTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		p.timeout = d
	}
}

// New creates a Publisher connected to address.
func New(address string, opts ...Option) *Publisher {
	return NewFromClient(backend.NewClient(&backend.Options{Addr: address}), opts...)
}

// NewFromClient creates a Publisher from an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *Publisher {
	p := &Publisher{
		client:  client,
		stream:  DefaultStream,
		timeout: time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Stream returns the stream key.
func (p *Publisher) Stream() string { return p.stream }

// WriteAudit appends rec to the stream.
func (p *Publisher) WriteAudit(ctx context.Context, rec engine.AuditRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("publish seq %d: marshal: %w", rec.Seq, err)
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	args := &backend.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"seq":           strconv.FormatInt(rec.Seq, 10),
			"kind":          string(rec.Kind),
			"actor":         string(rec.Actor),
			"balances_hash": rec.BalancesHash,
			"record":        string(data),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("publish seq %d: %w", rec.Seq, err)
	}
	return nil
}

// Read returns up to count records from the start of the stream, oldest
// first. It is meant for consumers and tests; the engine never reads back.
func (p *Publisher) Read(ctx context.Context, count int64) ([]engine.AuditRecord, error) {
	msgs, err := p.client.XRangeN(ctx, p.stream, "-", "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("read stream %s: %w", p.stream, err)
	}
	out := make([]engine.AuditRecord, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values["record"].(string)
		if !ok {
			return nil, fmt.Errorf("read stream %s: entry %s has no record", p.stream, m.ID)
		}
		var rec engine.AuditRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("read stream %s: entry %s: %w", p.stream, m.ID, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close closes the underlying client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
