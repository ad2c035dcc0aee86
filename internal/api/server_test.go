package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arachne-project/arachne/internal/clock/system"
	"github.com/arachne-project/arachne/internal/crawler"
	"github.com/arachne-project/arachne/internal/id/uuid"
	indexmem "github.com/arachne-project/arachne/internal/index/memory"
	"github.com/arachne-project/arachne/internal/metrics"
	"github.com/arachne-project/arachne/internal/revisit"
	"github.com/arachne-project/arachne/internal/scheduler"
	"github.com/arachne-project/arachne/internal/sites"
	"github.com/arachne-project/arachne/internal/spool"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

func newTestServer(t *testing.T) (*Server, *indexmem.Store, *sites.Site) {
	t.Helper()

	site, err := sites.New("ftp://mirror.example.com", sites.Policy{
		Handler:            "ftp",
		MaxDepth:           5,
		MinRevisitWait:     time.Hour,
		MaxRevisitWait:     24 * time.Hour,
		DefaultRevisitWait: 2 * time.Hour,
	})
	require.NoError(t, err)
	reg, err := sites.NewRegistry([]sites.Site{site})
	require.NoError(t, err)

	sp, err := spool.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sp.Close() })

	idx := indexmem.New()
	sched, err := scheduler.New(scheduler.Params{
		Sites:     reg,
		Tasks:     sp,
		Index:     idx,
		Estimator: revisit.New(2.0),
		Clock:     system.New(),
		IDs:       uuid.NewGenerator(),
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)

	return NewServer(sched, idx, zap.NewNop()), idx, reg.All()[0]
}

func doGet(t *testing.T, s *Server, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestServer(t)
	for _, target := range []string{"/healthz", "/readyz"} {
		rec := doGet(t, s, target)
		require.Equal(t, http.StatusOK, rec.Code)
		require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestServer(t)
	rec := doGet(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusListsSites(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestServer(t)
	rec := doGet(t, s, "/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Sites []scheduler.SiteStatus `json:"sites"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Sites, 1)
	require.Equal(t, "ftp://mirror.example.com", body.Sites[0].URL)
}

func TestSearchRequiresQuery(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestServer(t)
	rec := doGet(t, s, "/v1/search")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doGet(t, s, "/v1/search?q=iso&limit=nope")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchReturnsIndexedEntries(t *testing.T) {
	t.Parallel()

	s, idx, site := newTestServer(t)
	_, err := idx.Apply(context.Background(), site.ID, "/pub", crawler.Listing{Entries: []crawler.Entry{
		{Name: "debian-12.iso", Kind: crawler.KindFile, Size: 4096},
		{Name: "notes.txt", Kind: crawler.KindFile, Size: 10},
	}}, time.Now().UTC())
	require.NoError(t, err)

	rec := doGet(t, s, "/v1/search?q=debian")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Query   string                 `json:"query"`
		Count   int                    `json:"count"`
		Results []crawler.SearchResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	require.Equal(t, "/pub/debian-12.iso", body.Results[0].Path)
}
