package crawler

import (
	"context"
	"time"

	"github.com/arachne-project/arachne/internal/sites"
)

// TaskStore is the durable spool of pending crawl tasks. Implementations
// are safe for concurrent use; dispatched tasks remain part of the durable
// state until acknowledged so that an abandoned task survives a restart
// with its original not-before time.
type TaskStore interface {
	// Put inserts a task. The spool assigns the FIFO position.
	Put(task Task) error
	// PopDue removes and returns the due task with the smallest not-before
	// among sites accepted by eligible, ties broken by insertion order.
	PopDue(now time.Time, eligible func(siteID string) bool) (Task, bool)
	// Ack drops a previously dispatched task from the durable state.
	Ack(taskID string)
	// EarliestDispatch returns the earliest instant at which any pending
	// task could be dispatched. The gate callback returns the site-level
	// earliest-allowed time, or false to skip the site entirely.
	EarliestDispatch(gate func(siteID string) (time.Time, bool)) (time.Time, bool)
	// DelaySite pushes the not-before of every pending task of a site to at
	// least until.
	DelaySite(siteID string, until time.Time)
	// HasPathPending reports whether a pending or dispatched task exists
	// for the directory.
	HasPathPending(siteID, path string) bool
	// PendingForSite returns the number of pending tasks for a site.
	PendingForSite(siteID string) int
	// PurgeSitesExcept drops all tasks of sites not present in keep.
	PurgeSitesExcept(keep map[string]struct{})
	// Len returns the total number of pending and dispatched tasks.
	Len() int
	// Flush persists the spool state.
	Flush() error
	// Close flushes and releases the spool.
	Close() error
}

// IndexStore persists directory snapshots and their searchable entries.
// Calls for different directories never block each other; the scheduler
// guarantees no two concurrent calls target the same directory.
type IndexStore interface {
	// Apply commits a fresh listing against the stored snapshot for the
	// directory. The entry mutations and the record update commit
	// atomically or not at all.
	Apply(ctx context.Context, siteID, path string, listing Listing, now time.Time) (Diff, error)
	// SetRevisitWait records the next revisit interval chosen for the
	// directory.
	SetRevisitWait(ctx context.Context, siteID, path string, wait time.Duration) error
	// RecordError increments the directory's consecutive-error counter.
	RecordError(ctx context.Context, siteID, path string) error
	// GetDirectory loads the stored snapshot, if any.
	GetDirectory(ctx context.Context, siteID, path string) (DirectoryRecord, bool, error)
	// RemoveTree deletes the directory record, its entries, its entry in
	// the parent listing and everything below it.
	RemoveTree(ctx context.Context, siteID, path string) error
	// ListDirectories returns the scheduling view of every stored
	// directory of a site.
	ListDirectories(ctx context.Context, siteID string) ([]DirectorySummary, error)
	// PurgeSitesExcept removes all state of sites not listed in keep.
	PurgeSitesExcept(ctx context.Context, keep []string) error
	// Search returns entries whose name matches the query.
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
	// Close releases the store.
	Close()
}

// Handler fetches the listing of one directory of a site. Implementations
// classify failures by returning a FetchError.
type Handler interface {
	FetchListing(ctx context.Context, site *sites.Site, path string) (Listing, error)
}

// Publisher pushes directory-change events to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (swapped for a fake in tests).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task IDs.
type IDGenerator interface {
	NewID() (string, error)
}
