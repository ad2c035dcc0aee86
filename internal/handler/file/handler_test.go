package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arachne-project/arachne/internal/crawler"
)

func TestFetchListingReadsFilesAndDirectories(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.iso"), []byte("payload"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "pub"), 0o755))

	h := New()
	listing, err := h.FetchListing(context.Background(), nil, root)
	require.NoError(t, err)
	require.Len(t, listing.Entries, 2)

	byName := map[string]crawler.Entry{}
	for _, e := range listing.Entries {
		byName[e.Name] = e
	}
	require.Equal(t, crawler.KindFile, byName["a.iso"].Kind)
	require.Equal(t, int64(7), byName["a.iso"].Size)
	require.NotNil(t, byName["a.iso"].ModTime)
	require.Equal(t, crawler.KindDirectory, byName["pub"].Kind)
}

func TestFetchListingMissingDirectoryIsPermanent(t *testing.T) {
	t.Parallel()

	h := New()
	_, err := h.FetchListing(context.Background(), nil, filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	require.Equal(t, crawler.OutcomePermanent, crawler.ClassifyFetchError(err))
}

func TestFetchListingSkipsSymlinks(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	target := filepath.Join(root, "real")
	require.NoError(t, os.Mkdir(target, 0o755))
	require.NoError(t, os.Symlink(target, filepath.Join(root, "link")))

	h := New()
	listing, err := h.FetchListing(context.Background(), nil, root)
	require.NoError(t, err)
	require.Len(t, listing.Entries, 1)
	require.Equal(t, "real", listing.Entries[0].Name)
}
