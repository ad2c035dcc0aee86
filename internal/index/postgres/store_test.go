package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/arachne-project/arachne/internal/crawler"
)

var errDiskFull = errors.New("disk full")

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func TestApplyFirstVisitInsertsRecordAndEntries(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT revisit_wait, revisit_count, change_count FROM directories").
		WithArgs("site-1", "/pub").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT name, kind, size, mod_time FROM entries").
		WithArgs("site-1", "/pub").
		WillReturnRows(pgxmock.NewRows([]string{"name", "kind", "size", "mod_time"}))
	mock.ExpectExec("INSERT INTO entries").
		WithArgs("site-1", "/pub", "a.iso", "file", int64(100), (*time.Time)(nil)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO directories").
		WithArgs("site-1", "/pub", now, int64(0), int64(0), int64(0)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	listing := crawler.Listing{Entries: []crawler.Entry{
		{Name: "a.iso", Kind: crawler.KindFile, Size: 100},
	}}
	diff, err := store.Apply(context.Background(), "site-1", "/pub", listing, now)
	require.NoError(t, err)
	require.True(t, diff.FirstVisit)
	require.Len(t, diff.Added, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyRollsBackWhenEntryInsertFails(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT revisit_wait, revisit_count, change_count FROM directories").
		WithArgs("site-1", "/pub").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT name, kind, size, mod_time FROM entries").
		WithArgs("site-1", "/pub").
		WillReturnRows(pgxmock.NewRows([]string{"name", "kind", "size", "mod_time"}))
	mock.ExpectExec("INSERT INTO entries").
		WithArgs("site-1", "/pub", "a.iso", "file", int64(100), (*time.Time)(nil)).
		WillReturnError(errDiskFull)
	mock.ExpectRollback()

	listing := crawler.Listing{Entries: []crawler.Entry{
		{Name: "a.iso", Kind: crawler.KindFile, Size: 100},
	}}
	_, err := store.Apply(context.Background(), "site-1", "/pub", listing, now)
	require.ErrorIs(t, err, errDiskFull)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyRemovedDirectoryDeletesSubtree(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT revisit_wait, revisit_count, change_count FROM directories").
		WithArgs("site-1", "/").
		WillReturnRows(pgxmock.NewRows([]string{"revisit_wait", "revisit_count", "change_count"}).
			AddRow(int64(time.Hour), int64(3), int64(1)))
	mock.ExpectQuery("SELECT name, kind, size, mod_time FROM entries").
		WithArgs("site-1", "/").
		WillReturnRows(pgxmock.NewRows([]string{"name", "kind", "size", "mod_time"}).
			AddRow("old", "dir", int64(0), (*time.Time)(nil)))
	mock.ExpectExec("DELETE FROM entries WHERE site_id = .+ AND dir_path = .+ AND name").
		WithArgs("site-1", "/", "old").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("DELETE FROM entries WHERE site_id = .+ AND .dir_path").
		WithArgs("site-1", "/old", "/old/").
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec("DELETE FROM directories").
		WithArgs("site-1", "/old", "/old/").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("INSERT INTO directories").
		WithArgs("site-1", "/", now, int64(time.Hour), int64(4), int64(2)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	diff, err := store.Apply(context.Background(), "site-1", "/", crawler.Listing{}, now)
	require.NoError(t, err)
	require.False(t, diff.FirstVisit)
	require.Equal(t, time.Hour, diff.PrevWait)
	require.Len(t, diff.Removed, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetRevisitWait(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE directories SET revisit_wait").
		WithArgs(int64(30*time.Minute), "site-1", "/pub").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.SetRevisitWait(context.Background(), "site-1", "/pub", 30*time.Minute))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordError(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE directories SET error_count = error_count").
		WithArgs("site-1", "/pub").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.RecordError(context.Background(), "site-1", "/pub"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDirectoryNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT last_fetch, revisit_wait").
		WithArgs("site-1", "/missing").
		WillReturnError(pgx.ErrNoRows)

	_, ok, err := store.GetDirectory(context.Background(), "site-1", "/missing")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRemoveTreeDeletesParentEntry(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM entries WHERE site_id = .+ AND .dir_path").
		WithArgs("site-1", "/pub/gone", "/pub/gone/").
		WillReturnResult(pgxmock.NewResult("DELETE", 5))
	mock.ExpectExec("DELETE FROM directories").
		WithArgs("site-1", "/pub/gone", "/pub/gone/").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("DELETE FROM entries WHERE site_id = .+ AND dir_path = .+ AND name").
		WithArgs("site-1", "/pub", "gone").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCommit()

	require.NoError(t, store.RemoveTree(context.Background(), "site-1", "/pub/gone"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchBuildsResultPaths(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mod := time.Unix(1690000000, 0).UTC()
	mock.ExpectQuery("FROM entries").
		WithArgs("debian", 10).
		WillReturnRows(pgxmock.NewRows([]string{"site_id", "dir_path", "name", "kind", "size", "mod_time"}).
			AddRow("site-1", "/pub", "debian-12.iso", "file", int64(4096), &mod))

	results, err := store.Search(context.Background(), "debian", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "/pub/debian-12.iso", results[0].Path)
	require.Equal(t, crawler.KindFile, results[0].Kind)
	require.NoError(t, mock.ExpectationsWereMet())
}
