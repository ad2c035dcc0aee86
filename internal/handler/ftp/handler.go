// Package ftp implements the listing handler for FTP sites.
package ftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/arachne-project/arachne/internal/crawler"
	"github.com/arachne-project/arachne/internal/sites"
)

// Config controls FTP connection behavior.
type Config struct {
	User     string
	Password string
	Timeout  time.Duration
}

// Handler lists directories over FTP. Each fetch dials a fresh control
// connection; the per-site pacing upstream keeps the dial rate low.
type Handler struct {
	cfg Config
}

// New builds an FTP handler. Empty credentials fall back to anonymous login.
func New(cfg Config) *Handler {
	if cfg.User == "" {
		cfg.User = "anonymous"
		cfg.Password = "anonymous@"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Handler{cfg: cfg}
}

// FetchListing connects to the site and lists one directory.
func (h *Handler) FetchListing(ctx context.Context, site *sites.Site, path string) (crawler.Listing, error) {
	addr := site.URL.Host
	if site.URL.Port() == "" {
		addr = net.JoinHostPort(site.URL.Hostname(), "21")
	}
	conn, err := ftp.Dial(addr,
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(h.cfg.Timeout),
	)
	if err != nil {
		return crawler.Listing{}, crawler.NewFetchError(crawler.FetchSiteUnreachable,
			fmt.Errorf("dial %s: %w", addr, err))
	}
	defer func() { _ = conn.Quit() }()

	if err := conn.Login(h.cfg.User, h.cfg.Password); err != nil {
		return crawler.Listing{}, crawler.NewFetchError(crawler.FetchSiteUnreachable,
			fmt.Errorf("login %s: %w", addr, err))
	}

	raw, err := conn.List(path)
	if err != nil {
		return crawler.Listing{}, classifyListError(path, err)
	}
	return convertEntries(raw), nil
}

// classifyListError maps an FTP reply to a fetch error kind. 550 means the
// directory does not exist or is forbidden; other negative replies are worth
// retrying.
func classifyListError(path string, err error) error {
	wrapped := fmt.Errorf("list %s: %w", path, err)
	var proto *textproto.Error
	if errors.As(err, &proto) {
		switch {
		case proto.Code == ftp.StatusFileUnavailable:
			return crawler.NewFetchError(crawler.FetchPermanent, wrapped)
		case proto.Code >= 400 && proto.Code < 500:
			return crawler.NewFetchError(crawler.FetchTransient, wrapped)
		default:
			return crawler.NewFetchError(crawler.FetchTransient, wrapped)
		}
	}
	var netErr net.Error
	if errors.Is(err, io.EOF) || errors.As(err, &netErr) {
		return crawler.NewFetchError(crawler.FetchSiteUnreachable, wrapped)
	}
	return crawler.NewFetchError(crawler.FetchTransient, wrapped)
}

func convertEntries(raw []*ftp.Entry) crawler.Listing {
	var listing crawler.Listing
	for _, e := range raw {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		entry := crawler.Entry{Name: e.Name}
		switch e.Type {
		case ftp.EntryTypeFolder:
			entry.Kind = crawler.KindDirectory
		case ftp.EntryTypeFile:
			entry.Kind = crawler.KindFile
			entry.Size = int64(e.Size)
		default:
			// Symlinks are skipped; following them can loop forever on
			// mirrors that link back into their own tree.
			continue
		}
		if !e.Time.IsZero() {
			t := e.Time.UTC()
			entry.ModTime = &t
		}
		listing.Entries = append(listing.Entries, entry)
	}
	return listing
}
