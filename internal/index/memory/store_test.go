package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arachne-project/arachne/internal/crawler"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func file(name string, size int64) crawler.Entry {
	return crawler.Entry{Name: name, Kind: crawler.KindFile, Size: size}
}

func dir(name string) crawler.Entry {
	return crawler.Entry{Name: name, Kind: crawler.KindDirectory}
}

func listing(entries ...crawler.Entry) crawler.Listing {
	return crawler.Listing{Entries: entries}
}

func TestApply_FirstVisitAddsEverything(t *testing.T) {
	t.Parallel()

	s := New()
	diff, err := s.Apply(context.Background(), "s1", "/", listing(file("a.iso", 100), dir("pub")), t0)
	require.NoError(t, err)
	require.True(t, diff.FirstVisit)
	require.True(t, diff.Changed())
	require.Len(t, diff.Added, 2)
	require.Empty(t, diff.Removed)

	rec, ok, err := s.GetDirectory(context.Background(), "s1", "/")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, t0, rec.LastFetch)
	require.Len(t, rec.Entries, 2)
}

func TestApply_IdenticalListingIsIdempotent(t *testing.T) {
	t.Parallel()

	s := New()
	l := listing(file("a.iso", 100), dir("pub"))
	_, err := s.Apply(context.Background(), "s1", "/", l, t0)
	require.NoError(t, err)

	diff, err := s.Apply(context.Background(), "s1", "/", l, t0.Add(time.Hour))
	require.NoError(t, err)
	require.False(t, diff.FirstVisit)
	require.False(t, diff.Changed())
	require.Empty(t, diff.Added)
	require.Empty(t, diff.Removed)
	require.Empty(t, diff.Modified)
}

func TestApply_DetectsRemovalsAndModifications(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_, err := s.Apply(ctx, "s1", "/", listing(file("a.iso", 100), file("b.iso", 200)), t0)
	require.NoError(t, err)

	diff, err := s.Apply(ctx, "s1", "/", listing(file("a.iso", 150), file("c.iso", 1)), t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, diff.Added, 1)
	require.Equal(t, "c.iso", diff.Added[0].Name)
	require.Len(t, diff.Removed, 1)
	require.Equal(t, "b.iso", diff.Removed[0].Name)
	require.Len(t, diff.Modified, 1)
	require.Equal(t, "a.iso", diff.Modified[0].Name)
}

func TestApply_RemovedSubdirectoryPrunesSubtree(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_, err := s.Apply(ctx, "s1", "/", listing(dir("pub")), t0)
	require.NoError(t, err)
	_, err = s.Apply(ctx, "s1", "/pub", listing(file("x", 1), dir("deep")), t0)
	require.NoError(t, err)
	_, err = s.Apply(ctx, "s1", "/pub/deep", listing(file("y", 2)), t0)
	require.NoError(t, err)
	require.Equal(t, 3, s.DirectoryCount("s1"))

	diff, err := s.Apply(ctx, "s1", "/", listing(), t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, diff.Removed, 1)
	require.Equal(t, 1, s.DirectoryCount("s1"), "only the root record remains")
	require.Equal(t, 0, s.EntryCount("s1"))
}

func TestApply_PrevWaitSurfacesStoredInterval(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_, err := s.Apply(ctx, "s1", "/", listing(file("a", 1)), t0)
	require.NoError(t, err)
	require.NoError(t, s.SetRevisitWait(ctx, "s1", "/", 7*24*time.Hour))

	diff, err := s.Apply(ctx, "s1", "/", listing(file("a", 1)), t0.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 7*24*time.Hour, diff.PrevWait)
}

func TestRemoveTree_DeletesRecordEntriesAndParentEntry(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_, err := s.Apply(ctx, "s1", "/", listing(dir("gone"), dir("kept")), t0)
	require.NoError(t, err)
	five := listing(file("1", 1), file("2", 1), file("3", 1), file("4", 1), file("5", 1))
	_, err = s.Apply(ctx, "s1", "/gone", five, t0)
	require.NoError(t, err)
	_, err = s.Apply(ctx, "s1", "/kept", listing(file("k", 1)), t0)
	require.NoError(t, err)

	require.NoError(t, s.RemoveTree(ctx, "s1", "/gone"))

	_, ok, err := s.GetDirectory(ctx, "s1", "/gone")
	require.NoError(t, err)
	require.False(t, ok, "directory record deleted")

	results, err := s.Search(ctx, "", 0)
	require.NoError(t, err)
	for _, r := range results {
		require.NotContains(t, r.Path, "/gone")
	}

	rec, ok, err := s.GetDirectory(ctx, "s1", "/")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, rec.Entries, 1, "parent listing no longer names the pruned directory")
	require.Equal(t, "kept", rec.Entries[0].Name)
}

func TestRecordErrorAndResetOnSuccess(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_, err := s.Apply(ctx, "s1", "/", listing(file("a", 1)), t0)
	require.NoError(t, err)
	require.NoError(t, s.RecordError(ctx, "s1", "/"))
	require.NoError(t, s.RecordError(ctx, "s1", "/"))

	rec, _, err := s.GetDirectory(ctx, "s1", "/")
	require.NoError(t, err)
	require.Equal(t, 2, rec.ErrorCount)

	_, err = s.Apply(ctx, "s1", "/", listing(file("a", 1)), t0.Add(time.Hour))
	require.NoError(t, err)
	rec, _, err = s.GetDirectory(ctx, "s1", "/")
	require.NoError(t, err)
	require.Equal(t, 0, rec.ErrorCount)
}

func TestSearch_MatchesNamesAcrossSites(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_, err := s.Apply(ctx, "s1", "/", listing(file("debian-12.iso", 1), file("notes.txt", 1)), t0)
	require.NoError(t, err)
	_, err = s.Apply(ctx, "s2", "/", listing(file("Debian-old.ISO", 1)), t0)
	require.NoError(t, err)

	results, err := s.Search(ctx, "debian", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)

	results, err = s.Search(ctx, "debian", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestPurgeSitesExcept(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_, err := s.Apply(ctx, "keep", "/", listing(file("a", 1)), t0)
	require.NoError(t, err)
	_, err = s.Apply(ctx, "drop", "/", listing(file("b", 1)), t0)
	require.NoError(t, err)

	require.NoError(t, s.PurgeSitesExcept(ctx, []string{"keep"}))
	_, ok, err := s.GetDirectory(ctx, "drop", "/")
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = s.GetDirectory(ctx, "keep", "/")
	require.NoError(t, err)
	require.True(t, ok)
}
