// Package memory provides an in-memory index store for local development
// and tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/arachne-project/arachne/internal/crawler"
	"github.com/arachne-project/arachne/internal/index"
)

type dirState struct {
	lastFetch    time.Time
	revisitWait  time.Duration
	revisitCount int
	changeCount  int
	errorCount   int
	entries      map[string]crawler.Entry
}

// Store implements crawler.IndexStore with mutex-guarded maps.
type Store struct {
	mu    sync.RWMutex
	sites map[string]map[string]*dirState
}

// New returns an empty Store.
func New() *Store {
	return &Store{sites: make(map[string]map[string]*dirState)}
}

// Apply commits a fresh listing against the stored snapshot.
func (s *Store) Apply(_ context.Context, siteID, path string, listing crawler.Listing, now time.Time) (crawler.Diff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dirs, ok := s.sites[siteID]
	if !ok {
		dirs = make(map[string]*dirState)
		s.sites[siteID] = dirs
	}
	state, exists := dirs[path]
	var prev map[string]crawler.Entry
	if exists {
		prev = state.entries
	} else {
		prev = map[string]crawler.Entry{}
	}

	added, removed, modified := index.Compute(prev, listing.Entries)
	diff := crawler.Diff{
		Added:      added,
		Removed:    removed,
		Modified:   modified,
		FirstVisit: !exists,
	}
	if exists {
		diff.PrevWait = state.revisitWait
	}

	for _, e := range removed {
		if e.Kind == crawler.KindDirectory {
			s.removeTreeLocked(siteID, crawler.ChildPath(path, e.Name))
		}
	}
	for _, e := range modified {
		if old := prev[e.Name]; old.Kind == crawler.KindDirectory && e.Kind != crawler.KindDirectory {
			s.removeTreeLocked(siteID, crawler.ChildPath(path, e.Name))
		}
	}

	next := make(map[string]crawler.Entry, len(listing.Entries))
	for _, e := range listing.Entries {
		next[e.Name] = e
	}
	if !exists {
		state = &dirState{}
		dirs[path] = state
	} else {
		state.revisitCount++
		if diff.Changed() {
			state.changeCount++
		}
	}
	state.entries = next
	state.lastFetch = now
	state.errorCount = 0
	return diff, nil
}

// SetRevisitWait records the chosen revisit interval.
func (s *Store) SetRevisitWait(_ context.Context, siteID, path string, wait time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state := s.lookup(siteID, path); state != nil {
		state.revisitWait = wait
	}
	return nil
}

// RecordError increments the consecutive-error counter.
func (s *Store) RecordError(_ context.Context, siteID, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state := s.lookup(siteID, path); state != nil {
		state.errorCount++
	}
	return nil
}

// GetDirectory loads the stored snapshot, if any.
func (s *Store) GetDirectory(_ context.Context, siteID, path string) (crawler.DirectoryRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state := s.lookup(siteID, path)
	if state == nil {
		return crawler.DirectoryRecord{}, false, nil
	}
	rec := crawler.DirectoryRecord{
		SiteID:       siteID,
		Path:         path,
		LastFetch:    state.lastFetch,
		RevisitWait:  state.revisitWait,
		RevisitCount: state.revisitCount,
		ChangeCount:  state.changeCount,
		ErrorCount:   state.errorCount,
	}
	for _, e := range state.entries {
		rec.Entries = append(rec.Entries, e)
	}
	sort.Slice(rec.Entries, func(i, j int) bool { return rec.Entries[i].Name < rec.Entries[j].Name })
	return rec, true, nil
}

// RemoveTree deletes the directory, its subtree and its entry in the
// parent listing.
func (s *Store) RemoveTree(_ context.Context, siteID, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeTreeLocked(siteID, path)
	return nil
}

func (s *Store) removeTreeLocked(siteID, path string) {
	dirs, ok := s.sites[siteID]
	if !ok {
		return
	}
	prefix := subtreePrefix(path)
	for p := range dirs {
		if p == path || strings.HasPrefix(p, prefix) {
			delete(dirs, p)
		}
	}
	// Drop the entry naming this directory in its parent listing.
	if parent, name, ok := crawler.SplitPath(path); ok {
		if state, ok := dirs[parent]; ok {
			delete(state.entries, name)
		}
	}
}

// ListDirectories returns the scheduling view of every stored directory.
func (s *Store) ListDirectories(_ context.Context, siteID string) ([]crawler.DirectorySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.DirectorySummary
	for p, state := range s.sites[siteID] {
		out = append(out, crawler.DirectorySummary{
			Path:        p,
			LastFetch:   state.lastFetch,
			RevisitWait: state.revisitWait,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// PurgeSitesExcept removes all state of sites not listed in keep.
func (s *Store) PurgeSitesExcept(_ context.Context, keep []string) error {
	keepSet := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		keepSet[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for siteID := range s.sites {
		if _, ok := keepSet[siteID]; !ok {
			delete(s.sites, siteID)
		}
	}
	return nil
}

// Search returns entries whose name contains the query, case-insensitive.
func (s *Store) Search(_ context.Context, query string, limit int) ([]crawler.SearchResult, error) {
	q := strings.ToLower(query)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.SearchResult
	for siteID, dirs := range s.sites {
		for dirPath, state := range dirs {
			for name, e := range state.entries {
				if !strings.Contains(strings.ToLower(name), q) {
					continue
				}
				out = append(out, crawler.SearchResult{
					SiteID:  siteID,
					Path:    crawler.ChildPath(dirPath, name),
					Kind:    e.Kind,
					Size:    e.Size,
					ModTime: e.ModTime,
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SiteID == out[j].SiteID {
			return out[i].Path < out[j].Path
		}
		return out[i].SiteID < out[j].SiteID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close is a no-op for the memory store.
func (s *Store) Close() {}

// EntryCount returns the number of indexed entries for a site (test helper).
func (s *Store) EntryCount(siteID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, state := range s.sites[siteID] {
		n += len(state.entries)
	}
	return n
}

// DirectoryCount returns the number of directory records for a site.
func (s *Store) DirectoryCount(siteID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sites[siteID])
}

func (s *Store) lookup(siteID, path string) *dirState {
	dirs, ok := s.sites[siteID]
	if !ok {
		return nil
	}
	return dirs[path]
}

func subtreePrefix(path string) string {
	if path == "/" {
		return "/"
	}
	return strings.TrimRight(path, "/") + "/"
}
