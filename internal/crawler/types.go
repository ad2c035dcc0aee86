// Package crawler defines core types shared across subsystems.
package crawler

import (
	"path"
	"strings"
	"time"
)

// EntryKind distinguishes files from directories in a listing.
type EntryKind string

// Entry kinds stored in the index.
const (
	KindFile      EntryKind = "file"
	KindDirectory EntryKind = "dir"
)

// Entry is one normalized child of a directory listing.
type Entry struct {
	Name    string     `json:"name"`
	Kind    EntryKind  `json:"kind"`
	Size    int64      `json:"size"`
	ModTime *time.Time `json:"mod_time,omitempty"`
}

// Listing is the normalized result of fetching a directory: its immediate
// child files and subdirectories.
type Listing struct {
	Entries []Entry
}

// Subdirectories returns the directory entries of the listing.
func (l Listing) Subdirectories() []Entry {
	var dirs []Entry
	for _, e := range l.Entries {
		if e.Kind == KindDirectory {
			dirs = append(dirs, e)
		}
	}
	return dirs
}

// Task is one pending directory visit. A task is owned by the spool until
// dispatched, by the executing worker until reported, and by the scheduler
// while it is re-enqueued.
type Task struct {
	ID        string    `json:"id"`
	SiteID    string    `json:"site_id"`
	Path      string    `json:"path"`
	Depth     int       `json:"depth"`
	NotBefore time.Time `json:"not_before"`
	Attempt   int       `json:"attempt"`
}

// ChildPath joins a directory path and an entry name.
func ChildPath(dir, name string) string {
	return path.Join(dir, name)
}

// SplitPath splits a path into its parent directory and base name. It
// reports false for the root, which has no parent.
func SplitPath(p string) (parent, name string, ok bool) {
	if p == "/" || p == "" {
		return "", "", false
	}
	i := strings.LastIndex(p, "/")
	parent = p[:i]
	if parent == "" {
		parent = "/"
	}
	return parent, p[i+1:], true
}

// DepthOf returns the depth of dir relative to root (0 for the root itself).
func DepthOf(root, dir string) int {
	root = strings.TrimRight(root, "/")
	if !strings.HasPrefix(dir, root) {
		return 0
	}
	rel := strings.Trim(strings.TrimPrefix(dir, root), "/")
	if rel == "" {
		return 0
	}
	return strings.Count(rel, "/") + 1
}

// OutcomeKind classifies the result of executing a task.
type OutcomeKind string

// Outcome kinds reported by workers.
const (
	// OutcomeFetched is a successful fetch with a non-empty listing.
	OutcomeFetched OutcomeKind = "fetched"
	// OutcomeEmpty is a successful fetch of an empty directory.
	OutcomeEmpty OutcomeKind = "empty"
	// OutcomeTransient is a recoverable failure scoped to one directory.
	OutcomeTransient OutcomeKind = "transient"
	// OutcomeSiteUnreachable is a recoverable failure scoped to the whole site.
	OutcomeSiteUnreachable OutcomeKind = "site_unreachable"
	// OutcomePermanent means the directory no longer exists or is forbidden.
	OutcomePermanent OutcomeKind = "permanent"
)

// Outcome is what a worker reports back to the scheduler.
type Outcome struct {
	Kind    OutcomeKind
	Listing Listing
	Err     error
}

// DirectoryRecord is the persisted snapshot of a directory: its last known
// contents plus the scheduling state carried across restarts.
type DirectoryRecord struct {
	SiteID       string
	Path         string
	LastFetch    time.Time
	RevisitWait  time.Duration
	RevisitCount int
	ChangeCount  int
	ErrorCount   int
	Entries      []Entry
}

// Diff describes how a freshly fetched listing compares to the stored
// snapshot of the same directory.
type Diff struct {
	Added    []Entry
	Removed  []Entry
	Modified []Entry

	// FirstVisit reports that no snapshot existed before this apply.
	FirstVisit bool
	// PrevWait is the revisit interval stored before this apply, zero on
	// first visit.
	PrevWait time.Duration
}

// Changed reports whether the directory content differs from the stored
// snapshot. A first visit always counts as changed.
func (d Diff) Changed() bool {
	return d.FirstVisit || len(d.Added) > 0 || len(d.Removed) > 0 || len(d.Modified) > 0
}

// DirectorySummary is the scheduling view of a stored directory, used to
// re-seed the spool after a restart.
type DirectorySummary struct {
	Path        string
	LastFetch   time.Time
	RevisitWait time.Duration
}

// SearchResult is one searchable index entry with its site and full path.
type SearchResult struct {
	SiteID  string     `json:"site_id"`
	Path    string     `json:"path"`
	Kind    EntryKind  `json:"kind"`
	Size    int64      `json:"size"`
	ModTime *time.Time `json:"mod_time,omitempty"`
}
