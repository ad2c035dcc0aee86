package spool

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arachne-project/arachne/internal/crawler"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func task(id, site, path string, notBefore time.Time) crawler.Task {
	return crawler.Task{ID: id, SiteID: site, Path: path, NotBefore: notBefore}
}

func all(_ string) bool { return true }

func TestPopDue_EarliestNotBeforeWins(t *testing.T) {
	t.Parallel()

	s, err := New("")
	require.NoError(t, err)
	require.NoError(t, s.Put(task("a", "s1", "/a", t0.Add(2*time.Minute))))
	require.NoError(t, s.Put(task("b", "s2", "/b", t0.Add(time.Minute))))
	require.NoError(t, s.Put(task("c", "s1", "/c", t0.Add(3*time.Minute))))

	got, ok := s.PopDue(t0.Add(5*time.Minute), all)
	require.True(t, ok)
	require.Equal(t, "b", got.ID)

	got, ok = s.PopDue(t0.Add(5*time.Minute), all)
	require.True(t, ok)
	require.Equal(t, "a", got.ID)
}

func TestPopDue_FIFOOnEqualNotBefore(t *testing.T) {
	t.Parallel()

	s, err := New("")
	require.NoError(t, err)
	require.NoError(t, s.Put(task("first", "s1", "/a", t0)))
	require.NoError(t, s.Put(task("second", "s2", "/b", t0)))

	got, ok := s.PopDue(t0, all)
	require.True(t, ok)
	require.Equal(t, "first", got.ID)
}

func TestPopDue_SkipsIneligibleSitesAndFutureTasks(t *testing.T) {
	t.Parallel()

	s, err := New("")
	require.NoError(t, err)
	require.NoError(t, s.Put(task("a", "busy", "/a", t0)))
	require.NoError(t, s.Put(task("b", "idle", "/b", t0.Add(time.Hour))))

	_, ok := s.PopDue(t0, func(siteID string) bool { return siteID != "busy" })
	require.False(t, ok)

	got, ok := s.PopDue(t0.Add(time.Hour), func(siteID string) bool { return siteID != "busy" })
	require.True(t, ok)
	require.Equal(t, "b", got.ID)
}

func TestEarliestDispatch_RespectsSiteGate(t *testing.T) {
	t.Parallel()

	s, err := New("")
	require.NoError(t, err)
	require.NoError(t, s.Put(task("a", "s1", "/a", t0.Add(time.Minute))))
	require.NoError(t, s.Put(task("b", "s2", "/b", t0.Add(10*time.Minute))))

	gate := func(siteID string) (time.Time, bool) {
		if siteID == "s1" {
			// Site backoff holds s1 until later than its task's not-before.
			return t0.Add(30 * time.Minute), true
		}
		return t0, true
	}
	earliest, ok := s.EarliestDispatch(gate)
	require.True(t, ok)
	require.Equal(t, t0.Add(10*time.Minute), earliest)
}

func TestDelaySite_PushesOnlyThatSite(t *testing.T) {
	t.Parallel()

	s, err := New("")
	require.NoError(t, err)
	require.NoError(t, s.Put(task("a", "s1", "/a", t0)))
	require.NoError(t, s.Put(task("b", "s1", "/b", t0.Add(time.Minute))))
	require.NoError(t, s.Put(task("c", "s2", "/c", t0)))

	until := t0.Add(30 * time.Minute)
	s.DelaySite("s1", until)

	got, ok := s.PopDue(t0, all)
	require.True(t, ok)
	require.Equal(t, "c", got.ID, "other sites are unaffected")

	_, ok = s.PopDue(until.Add(-time.Second), all)
	require.False(t, ok)

	got, ok = s.PopDue(until, all)
	require.True(t, ok)
	require.Equal(t, "a", got.ID)
	require.False(t, got.NotBefore.Before(until))
}

func TestAckAndPathTracking(t *testing.T) {
	t.Parallel()

	s, err := New("")
	require.NoError(t, err)
	require.NoError(t, s.Put(task("a", "s1", "/a", t0)))
	require.True(t, s.HasPathPending("s1", "/a"))

	got, ok := s.PopDue(t0, all)
	require.True(t, ok)
	require.True(t, s.HasPathPending("s1", "/a"), "dispatched tasks still count")
	require.Equal(t, 1, s.Len())

	s.Ack(got.ID)
	require.False(t, s.HasPathPending("s1", "/a"))
	require.Equal(t, 0, s.Len())
}

func TestSnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, s.Put(task("a", "s1", "/a", t0)))
	require.NoError(t, s.Put(task("b", "s1", "/b", t0.Add(time.Hour))))

	// Dispatch one task and do not ack it: it must survive the restart
	// with its not-before unchanged.
	inflight, ok := s.PopDue(t0, all)
	require.True(t, ok)
	require.Equal(t, "a", inflight.ID)
	require.NoError(t, s.Close())

	reopened, err := New(dir)
	require.NoError(t, err)
	require.Equal(t, 2, reopened.Len())

	got, ok := reopened.PopDue(t0, all)
	require.True(t, ok)
	require.Equal(t, "a", got.ID)
	require.Equal(t, t0, got.NotBefore)
}

func TestSnapshotRejectsCorruptFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	require.NoError(t, os.WriteFile(dir+"/tasks.json", []byte("{not json"), 0o600))
	_, err = New(dir)
	require.Error(t, err)
}

func TestPurgeSitesExcept(t *testing.T) {
	t.Parallel()

	s, err := New("")
	require.NoError(t, err)
	require.NoError(t, s.Put(task("a", "keep", "/a", t0)))
	require.NoError(t, s.Put(task("b", "drop", "/b", t0)))

	s.PurgeSitesExcept(map[string]struct{}{"keep": {}})
	require.Equal(t, 1, s.Len())
	require.Equal(t, 0, s.PendingForSite("drop"))
	require.Equal(t, 1, s.PendingForSite("keep"))
}
