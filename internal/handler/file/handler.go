// Package file implements the listing handler for local directory trees,
// used for mounted shares and in tests.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/arachne-project/arachne/internal/crawler"
	"github.com/arachne-project/arachne/internal/sites"
)

// Handler lists directories on the local filesystem. The site URL path is
// the tree root, so task paths are used as filesystem paths directly.
type Handler struct{}

// New builds a filesystem handler.
func New() *Handler {
	return &Handler{}
}

// FetchListing reads one directory.
func (h *Handler) FetchListing(ctx context.Context, _ *sites.Site, path string) (crawler.Listing, error) {
	if err := ctx.Err(); err != nil {
		return crawler.Listing{}, err
	}
	dirents, err := os.ReadDir(path)
	if err != nil {
		wrapped := fmt.Errorf("read dir %s: %w", path, err)
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return crawler.Listing{}, crawler.NewFetchError(crawler.FetchPermanent, wrapped)
		}
		return crawler.Listing{}, crawler.NewFetchError(crawler.FetchTransient, wrapped)
	}

	var listing crawler.Listing
	for _, d := range dirents {
		entry := crawler.Entry{Name: d.Name()}
		switch {
		case d.IsDir():
			entry.Kind = crawler.KindDirectory
		case d.Type().IsRegular():
			entry.Kind = crawler.KindFile
			if info, err := d.Info(); err == nil {
				entry.Size = info.Size()
				t := info.ModTime().UTC()
				entry.ModTime = &t
			}
		default:
			// Symlinks and device nodes are not indexed.
			continue
		}
		listing.Entries = append(listing.Entries, entry)
	}
	return listing, nil
}
