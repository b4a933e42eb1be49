package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertWritesMultiRowStatement(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewEventStoreWithPool(mock, "")
	require.NoError(t, err)
	assert.Equal(t, "dispatch_events", store.Table())

	now := time.Unix(1700000000, 0).UTC()
	dispatchID := uuid.MustParse("01890a5d-ac96-774b-bcce-b302099a8057")
	recs := []Record{
		{
			ID:         uuid.MustParse("01890a5d-ac96-774b-bcce-b302099a8058"),
			DispatchID: dispatchID,
			Stage:      "ITEM_READY",
			TS:         now,
			URL:        "https://example.com/",
			Host:       "example.com",
			Scheme:     "https",
			Proxy:      "https://203.0.113.5:3128",
			Address:    "93.184.216.34",
			RecordType: "A",
			Duration:   1500 * time.Millisecond,
		},
		{
			Stage:  "PROXY_EVICTED",
			TS:     now,
			Proxy:  "http://198.51.100.1:80",
			Reason: "failures",
		},
	}

	mock.ExpectExec(`(?s)INSERT INTO dispatch_events .* VALUES \(\$1,.*\$14\),\(\$15,.*\$28\)`).
		WithArgs(
			recs[0].ID, &dispatchID, "ITEM_READY", now, "https://example.com/", "example.com", "https",
			"https://203.0.113.5:3128", "93.184.216.34", "A", "", 0, int64(1500), "",
			pgxmock.AnyArg(), (*uuid.UUID)(nil), "PROXY_EVICTED", now, "", "", "",
			"http://198.51.100.1:80", "", "", "failures", 0, int64(0), "",
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))

	require.NoError(t, store.Insert(context.Background(), recs))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertEmptyBatchIsNoop(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewEventStoreWithPool(mock, "audit_log")
	require.NoError(t, err)
	require.NoError(t, store.Insert(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertPropagatesErrors(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewEventStoreWithPool(mock, "audit_log")
	require.NoError(t, err)
	boom := errors.New("connection reset")
	args := make([]any, 14)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	mock.ExpectExec("INSERT INTO audit_log").WithArgs(args...).WillReturnError(boom)

	err = store.Insert(context.Background(), []Record{{Stage: "ITEM_DROPPED", TS: time.Now(), Reason: "no_proxy"}})
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewEventStoreWithPool(mock, "audit_log")
	require.NoError(t, err)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_log").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRejectsInvalidTableNames(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewEventStoreWithPool(mock, "events; DROP TABLE users")
	require.Error(t, err)
	_, err = NewEventStoreWithPool(nil, "events")
	require.Error(t, err)
	_, err = NewEventStore(context.Background(), Config{})
	require.Error(t, err)
}

func TestListScansRowsNewestFirst(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewEventStoreWithPool(mock, "")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	dispatchID := uuid.MustParse("01890a5d-ac96-774b-bcce-b302099a8057")
	cols := []string{
		"id", "dispatch_id", "stage", "ts", "url", "host", "scheme", "proxy",
		"address", "record_type", "reason", "status_code", "duration_ms", "note",
	}
	rows := pgxmock.NewRows(cols).
		AddRow("01890a5d-ac96-774b-bcce-b302099a8059", dispatchID.String(), "SEND_DONE", now,
			"https://example.com/", "example.com", "https", "http://203.0.113.5:80",
			"93.184.216.34", "", "", 200, int64(250), "").
		AddRow("01890a5d-ac96-774b-bcce-b302099a8060", nil, "PROXY_EVICTED", now.Add(-time.Second),
			"", "", "", "http://198.51.100.1:80", "", "", "failures", 0, int64(0), "")

	mock.ExpectQuery(`(?s)SELECT id, dispatch_id.*FROM dispatch_events.*ORDER BY ts DESC`).
		WithArgs((*uuid.UUID)(nil), "", 10, 5).
		WillReturnRows(rows)

	got, err := store.List(context.Background(), Filter{Limit: 10, Offset: 5})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, dispatchID, got[0].DispatchID)
	assert.Equal(t, 200, got[0].StatusCode)
	assert.Equal(t, 250*time.Millisecond, got[0].Duration)
	assert.Equal(t, uuid.Nil, got[1].DispatchID)
	assert.Equal(t, "failures", got[1].Reason)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListFiltersByDispatchAndStage(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewEventStoreWithPool(mock, "audit_log")
	require.NoError(t, err)

	id := uuid.MustParse("01890a5d-ac96-774b-bcce-b302099a8057")
	mock.ExpectQuery(`(?s)FROM audit_log`).
		WithArgs(&id, "ITEM_DROPPED", 50, 0).
		WillReturnError(errors.New("db down"))

	_, err = store.List(context.Background(), Filter{DispatchID: id, Stage: "ITEM_DROPPED"})
	require.ErrorContains(t, err, "list audit rows")
	require.NoError(t, mock.ExpectationsWereMet())
}
