package sinks

import (
	"context"
	"fmt"

	"github.com/JakeFAU/crawlgate/internal/audit"
	"github.com/JakeFAU/crawlgate/internal/progress"
)

// AuditWriter persists audit records. *audit.EventStore satisfies it.
type AuditWriter interface {
	Insert(ctx context.Context, records []audit.Record) error
}

// AuditSink forwards every event batch to the audit table in one insert.
type AuditSink struct {
	writer AuditWriter
}

// NewAuditSink constructs an AuditSink.
func NewAuditSink(writer AuditWriter) *AuditSink {
	return &AuditSink{writer: writer}
}

// Consume converts the batch and writes it; repository errors are returned.
func (s *AuditSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.writer == nil || len(batch) == 0 {
		return nil
	}
	records := make([]audit.Record, 0, len(batch))
	for _, evt := range batch {
		records = append(records, audit.Record{
			DispatchID: evt.DispatchUUID(),
			Stage:      string(evt.Stage),
			TS:         evt.TS,
			URL:        evt.URL,
			Host:       evt.Host,
			Scheme:     evt.Scheme,
			Proxy:      evt.Proxy,
			Address:    evt.Address,
			RecordType: evt.RecordType,
			Reason:     evt.Reason,
			StatusCode: evt.StatusCode,
			Duration:   evt.Dur,
			Note:       evt.Note,
		})
	}
	if err := s.writer.Insert(ctx, records); err != nil {
		return fmt.Errorf("audit insert: %w", err)
	}
	return nil
}

// Close implements the Sink interface; the store is closed by its owner.
func (s *AuditSink) Close(context.Context) error {
	return nil
}
