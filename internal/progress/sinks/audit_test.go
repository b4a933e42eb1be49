package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/crawlgate/internal/audit"
	"github.com/JakeFAU/crawlgate/internal/progress"
)

type fakeAuditWriter struct {
	fail    bool
	batches [][]audit.Record
}

func (f *fakeAuditWriter) Insert(_ context.Context, records []audit.Record) error {
	if f.fail {
		return errors.New("db down")
	}
	f.batches = append(f.batches, records)
	return nil
}

func TestAuditSinkConvertsEvents(t *testing.T) {
	t.Parallel()

	writer := &fakeAuditWriter{}
	sink := NewAuditSink(writer)
	id := uuid.New()
	now := time.Unix(1700000000, 0).UTC()

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{
			DispatchID: progress.UUIDToBytes(id),
			TS:         now,
			Stage:      progress.StageItemReady,
			URL:        "https://example.com/",
			Proxy:      "https://203.0.113.5:3128",
			Address:    "93.184.216.34",
			RecordType: "A",
		},
		{TS: now, Stage: progress.StageItemDropped, Reason: "dns_exhausted", URL: "https://nowhere.invalid/"},
	}))

	require.Len(t, writer.batches, 1)
	require.Len(t, writer.batches[0], 2)
	ready := writer.batches[0][0]
	assert.Equal(t, id, ready.DispatchID)
	assert.Equal(t, "ITEM_READY", ready.Stage)
	assert.Equal(t, "A", ready.RecordType)
	assert.Equal(t, uuid.Nil, writer.batches[0][1].DispatchID)
	assert.Equal(t, "dns_exhausted", writer.batches[0][1].Reason)
}

func TestAuditSinkSurfacesErrors(t *testing.T) {
	t.Parallel()

	sink := NewAuditSink(&fakeAuditWriter{fail: true})
	err := sink.Consume(context.Background(), []progress.Event{
		{TS: time.Now(), Stage: progress.StageItemDropped, Reason: "no_proxy"},
	})
	require.Error(t, err)
	require.NoError(t, NewAuditSink(nil).Consume(context.Background(), []progress.Event{{}}))
}

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{TS: time.Now(), Stage: progress.StageItemReady, URL: "https://a.example/", Proxy: "p", Address: "a"},
		{TS: time.Now(), Stage: progress.StageItemDropped, Reason: "no_proxy"},
	}))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.InfoLevel, entries[0].Level)
	assert.Equal(t, "https://a.example/", entries[0].ContextMap()["url"])
	assert.Equal(t, zap.WarnLevel, entries[1].Level)
	assert.Equal(t, "no_proxy", entries[1].ContextMap()["reason"])
	assert.NotContains(t, entries[1].ContextMap(), "url")
}
