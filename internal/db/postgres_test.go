package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybertec-postgresql/finsync/internal/conflict"
	"github.com/cybertec-postgresql/finsync/internal/record"
)

var ts = time.Date(2024, 5, 4, 12, 0, 0, 0, time.UTC)

func budget() *record.Version {
	return &record.Version{
		Table:     "budgets",
		RecordID:  "b-1",
		Fields:    record.Fields{{Name: "name", Value: record.Text("Holidays")}, {Name: "amount", Value: record.Int(300)}},
		UpdatedAt: ts,
		Origin:    record.OriginClient,
	}
}

func mustFields(t *testing.T, f record.Fields) []byte {
	t.Helper()
	raw, err := encodeFields(f)
	require.NoError(t, err)
	return raw
}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

var recordColumns = []string{"table_name", "record_id", "fields", "updated_at", "origin", "deleted",
	"revision", "upstream_revision", "revision"}

func TestPersist(t *testing.T) {
	mock := newMock(t)
	v := budget()

	mock.ExpectExec("INSERT INTO records").
		WithArgs("budgets", "b-1", mustFields(t, v.Fields), ts, "CLIENT", false).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, NewStore(mock).Persist(context.Background(), v))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistErrors(t *testing.T) {
	mock := newMock(t)
	s := NewStore(mock)

	assert.Error(t, s.Persist(context.Background(), nil))

	boom := errors.New("connection reset")
	mock.ExpectExec("INSERT INTO records").WillReturnError(boom)
	err := s.Persist(context.Background(), budget())
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "budgets/b-1")
}

func TestRecordResolution(t *testing.T) {
	mock := newMock(t)
	result := budget()
	result.Origin = record.OriginMerged
	c := conflict.Conflict{
		ID:         "0b8e0a54-6a4f-4bde-9e3c-1f7f3c2b8d11",
		Table:      "budgets",
		RecordID:   "b-1",
		Type:       conflict.TypeConcurrentEdit,
		DetectedAt: ts,
		Resolution: &conflict.Resolution{
			Strategy:   conflict.StrategyClient,
			Result:     result,
			ResolvedBy: conflict.ResolvedByHuman,
			ResolvedAt: ts.Add(time.Minute),
		},
	}

	mock.ExpectExec("INSERT INTO conflict_resolutions").
		WithArgs(c.ID, "budgets", "b-1", "CONCURRENT_EDIT", "CLIENT", "human", "",
			[]byte(nil), pgxmock.AnyArg(), ts, ts.Add(time.Minute)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	s := NewStore(mock)
	require.NoError(t, s.RecordResolution(context.Background(), c))
	require.NoError(t, mock.ExpectationsWereMet())

	c.Resolution = nil
	assert.Error(t, s.RecordResolution(context.Background(), c))
}

func TestBaseline(t *testing.T) {
	mock := newMock(t)
	s := NewStore(mock)
	v := budget()

	mock.ExpectQuery("FROM record_baselines").
		WithArgs("budgets", "b-1").
		WillReturnRows(mock.NewRows([]string{"fields", "updated_at", "deleted"}).
			AddRow(mustFields(t, v.Fields), ts, false))

	got, err := s.Baseline(context.Background(), "budgets", "b-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, record.OriginServer, got.Origin)
	assert.Equal(t, []string{"name", "amount"}, got.Fields.Names())

	mock.ExpectQuery("FROM record_baselines").
		WithArgs("budgets", "b-2").
		WillReturnError(pgx.ErrNoRows)

	got, err = s.Baseline(context.Background(), "budgets", "b-2")
	require.NoError(t, err)
	assert.Nil(t, got, "a never-synced record has no baseline")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRecord(t *testing.T) {
	mock := newMock(t)
	s := NewStore(mock)
	v := budget()

	mock.ExpectQuery("FROM records r").
		WithArgs("budgets", "b-1").
		WillReturnRows(mock.NewRows(recordColumns).
			AddRow("budgets", "b-1", mustFields(t, v.Fields), ts, "CLIENT", false, int64(-1), int64(12), int64(9)))

	got, err := s.GetRecord(context.Background(), v.Key())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Pending())
	assert.Equal(t, int64(12), got.UpstreamRevision)
	assert.Equal(t, int64(9), got.BaseRevision)
	assert.Equal(t, record.OriginClient, got.Version.Origin)

	mock.ExpectQuery("FROM records r").
		WithArgs("budgets", "missing").
		WillReturnError(pgx.ErrNoRows)
	got, err = s.GetRecord(context.Background(), record.Key{Table: "budgets", RecordID: "missing"})
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPendingRecords(t *testing.T) {
	mock := newMock(t)
	v := budget()

	mock.ExpectQuery("WHERE r.revision = -1").
		WillReturnRows(mock.NewRows(recordColumns).
			AddRow("budgets", "b-1", mustFields(t, v.Fields), ts, "CLIENT", false, int64(-1), int64(4), int64(4)).
			AddRow("goals", "g-7", []byte(`[]`), ts, "MERGED", true, int64(-1), int64(0), nil))

	records, err := NewStore(mock).GetPendingRecords(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "budgets/b-1", records[0].Version.Key().String())
	assert.Equal(t, int64(4), records[0].BaseRevision)
	assert.True(t, records[1].Version.Deleted)
	assert.Equal(t, record.OriginMerged, records[1].Version.Origin)
	assert.Zero(t, records[1].BaseRevision, "never synced")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkSynced(t *testing.T) {
	mock := newMock(t)
	v := budget()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE records SET").
		WithArgs("budgets", "b-1", int64(17), ts).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO record_baselines").
		WithArgs("budgets", "b-1", mustFields(t, v.Fields), ts, false, int64(17)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, NewStore(mock).MarkSynced(context.Background(), v, 17))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkSyncedRollsBack(t *testing.T) {
	mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE records SET").WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	assert.Error(t, NewStore(mock).MarkSynced(context.Background(), budget(), 17))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyServerVersion(t *testing.T) {
	v := budget()
	v.Origin = record.OriginServer

	t.Run("applied", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO records").
			WithArgs("budgets", "b-1", mustFields(t, v.Fields), ts, false, int64(21)).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectExec("INSERT INTO record_baselines").
			WithArgs("budgets", "b-1", mustFields(t, v.Fields), ts, false, int64(21)).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectCommit()

		applied, err := NewStore(mock).ApplyServerVersion(context.Background(), v, 21)
		require.NoError(t, err)
		assert.True(t, applied)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("pending row left alone", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO records").
			WillReturnResult(pgxmock.NewResult("INSERT", 0))
		mock.ExpectCommit()

		applied, err := NewStore(mock).ApplyServerVersion(context.Background(), v, 21)
		require.NoError(t, err)
		assert.False(t, applied)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestNoteUpstreamRevision(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec("UPDATE records SET upstream_revision").
		WithArgs("budgets", "b-1", int64(30)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, NewStore(mock).NoteUpstreamRevision(context.Background(), budget().Key(), 30))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetLatestRevision(t *testing.T) {
	mock := newMock(t)
	s := NewStore(mock)
	ctx := context.Background()

	mock.ExpectQuery("SELECT MAX\\(upstream_revision\\) FROM records").
		WillReturnRows(mock.NewRows([]string{"max"}).AddRow(nil))
	revision, err := s.GetLatestRevision(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), revision)

	mock.ExpectQuery("SELECT MAX\\(upstream_revision\\) FROM records").
		WillReturnRows(mock.NewRows([]string{"max"}).AddRow(int64(42)))
	revision, err = s.GetLatestRevision(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), revision)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolutions(t *testing.T) {
	mock := newMock(t)
	result := budget()
	mock.ExpectQuery("FROM conflict_resolutions").
		WithArgs("budgets", "b-1").
		WillReturnRows(mock.NewRows([]string{"conflict_id", "conflict_type", "strategy", "resolved_by", "reason", "result", "resolved_at"}).
			AddRow("c-1", "CONCURRENT_EDIT", "MERGE", "auto-policy", "disjoint-field auto-merge",
				[]byte(`{"table":"budgets","recordId":"b-1","fields":[],"updatedAt":"2024-05-04T12:00:00Z","origin":"MERGED","deleted":false}`),
				ts))

	entries, err := NewStore(mock).Resolutions(context.Background(), result.Key())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, conflict.StrategyMerge, entries[0].Strategy)
	assert.Equal(t, conflict.ResolvedByAutoPolicy, entries[0].ResolvedBy)
	assert.Equal(t, record.OriginMerged, entries[0].Result.Origin)
	require.NoError(t, mock.ExpectationsWereMet())
}
