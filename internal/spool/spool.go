// Package spool implements the durable queue of pending crawl tasks.
//
// Tasks are held in per-site min-heaps ordered by not-before time with FIFO
// tie-breaking, and persisted as a JSON snapshot under the spool directory.
// Dispatched tasks stay in the snapshot until acknowledged, so a task that
// was in flight during a crash is re-dispatchable on the next start with
// its original not-before time.
package spool

import (
	"container/heap"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/arachne-project/arachne/internal/crawler"
)

const snapshotName = "tasks.json"

type item struct {
	task crawler.Task
	seq  uint64
}

type siteHeap []*item

func (h siteHeap) Len() int { return len(h) }

func (h siteHeap) Less(i, j int) bool { return itemLess(h[i], h[j]) }

func itemLess(a, b *item) bool {
	if a.task.NotBefore.Equal(b.task.NotBefore) {
		return a.seq < b.seq
	}
	return a.task.NotBefore.Before(b.task.NotBefore)
}

func (h siteHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *siteHeap) Push(x any) { *h = append(*h, x.(*item)) }

func (h *siteHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Spool is the task store. The zero value is not usable; use New.
type Spool struct {
	mu         sync.Mutex
	dir        string
	seq        uint64
	pending    map[string]*siteHeap
	dispatched map[string]crawler.Task
	pathCount  map[string]map[string]int
}

// New opens the spool rooted at dir, loading a previous snapshot when one
// exists. An empty dir yields an ephemeral spool (used in tests).
func New(dir string) (*Spool, error) {
	s := &Spool{
		dir:        dir,
		pending:    make(map[string]*siteHeap),
		dispatched: make(map[string]crawler.Task),
		pathCount:  make(map[string]map[string]int),
	}
	if dir == "" {
		return s, nil
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

type snapshot struct {
	SavedAt time.Time      `json:"saved_at"`
	Tasks   []crawler.Task `json:"tasks"`
}

func (s *Spool) load() error {
	data, err := os.ReadFile(filepath.Join(s.dir, snapshotName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read spool snapshot: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode spool snapshot: %w", err)
	}
	for _, t := range snap.Tasks {
		s.put(t)
	}
	return nil
}

// Put inserts a task as pending.
func (s *Spool) Put(task crawler.Task) error {
	if task.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if task.SiteID == "" {
		return fmt.Errorf("task site id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(task)
	return nil
}

func (s *Spool) put(task crawler.Task) {
	h, ok := s.pending[task.SiteID]
	if !ok {
		h = &siteHeap{}
		s.pending[task.SiteID] = h
	}
	s.seq++
	heap.Push(h, &item{task: task, seq: s.seq})
	s.addPath(task.SiteID, task.Path, 1)
}

func (s *Spool) addPath(siteID, path string, delta int) {
	paths, ok := s.pathCount[siteID]
	if !ok {
		paths = make(map[string]int)
		s.pathCount[siteID] = paths
	}
	paths[path] += delta
	if paths[path] <= 0 {
		delete(paths, path)
	}
	if len(paths) == 0 {
		delete(s.pathCount, siteID)
	}
}

// PopDue removes and returns the due task with the smallest not-before
// among eligible sites, ties broken by insertion order. The task moves to
// the dispatched set until Ack is called.
func (s *Spool) PopDue(now time.Time, eligible func(siteID string) bool) (crawler.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var bestSite string
	var best *item
	for siteID, h := range s.pending {
		if h.Len() == 0 || !eligible(siteID) {
			continue
		}
		top := (*h)[0]
		if top.task.NotBefore.After(now) {
			continue
		}
		if best == nil || itemLess(top, best) {
			best = top
			bestSite = siteID
		}
	}
	if best == nil {
		return crawler.Task{}, false
	}
	h := s.pending[bestSite]
	it := heap.Pop(h).(*item)
	if h.Len() == 0 {
		delete(s.pending, bestSite)
	}
	s.dispatched[it.task.ID] = it.task
	return it.task, true
}

// Ack drops a dispatched task from the durable state.
func (s *Spool) Ack(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.dispatched[taskID]
	if !ok {
		return
	}
	delete(s.dispatched, taskID)
	s.addPath(t.SiteID, t.Path, -1)
}

// EarliestDispatch returns the earliest instant at which any pending task
// could be dispatched, taking the per-site gate into account.
func (s *Spool) EarliestDispatch(gate func(siteID string) (time.Time, bool)) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var earliest time.Time
	found := false
	for siteID, h := range s.pending {
		if h.Len() == 0 {
			continue
		}
		g, ok := gate(siteID)
		if !ok {
			continue
		}
		candidate := (*h)[0].task.NotBefore
		if g.After(candidate) {
			candidate = g
		}
		if !found || candidate.Before(earliest) {
			earliest = candidate
			found = true
		}
	}
	return earliest, found
}

// DelaySite pushes the not-before of every pending task of the site to at
// least until.
func (s *Spool) DelaySite(siteID string, until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.pending[siteID]
	if !ok {
		return
	}
	for _, it := range *h {
		if it.task.NotBefore.Before(until) {
			it.task.NotBefore = until
		}
	}
	heap.Init(h)
}

// HasPathPending reports whether a pending or dispatched task exists for
// the directory.
func (s *Spool) HasPathPending(siteID, path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths, ok := s.pathCount[siteID]
	if !ok {
		return false
	}
	return paths[path] > 0
}

// PendingForSite returns the number of pending tasks for the site.
func (s *Spool) PendingForSite(siteID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.pending[siteID]
	if !ok {
		return 0
	}
	return h.Len()
}

// PurgeSitesExcept drops all tasks of sites not present in keep. Used at
// startup to forget sites removed from the configuration.
func (s *Spool) PurgeSitesExcept(keep map[string]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for siteID := range s.pending {
		if _, ok := keep[siteID]; !ok {
			delete(s.pending, siteID)
			delete(s.pathCount, siteID)
		}
	}
	for id, t := range s.dispatched {
		if _, ok := keep[t.SiteID]; !ok {
			delete(s.dispatched, id)
		}
	}
}

// Len returns the total number of pending and dispatched tasks.
func (s *Spool) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.dispatched)
	for _, h := range s.pending {
		n += h.Len()
	}
	return n
}

// Flush writes the snapshot to disk. The write is atomic (temp file plus
// rename) so a crash mid-flush leaves the previous snapshot intact.
func (s *Spool) Flush() error {
	s.mu.Lock()
	snap := snapshot{SavedAt: time.Now().UTC()}
	for _, h := range s.pending {
		for _, it := range *h {
			snap.Tasks = append(snap.Tasks, it.task)
		}
	}
	for _, t := range s.dispatched {
		snap.Tasks = append(snap.Tasks, t)
	}
	dir := s.dir
	s.mu.Unlock()

	if dir == "" {
		return nil
	}
	sort.Slice(snap.Tasks, func(i, j int) bool {
		if snap.Tasks[i].NotBefore.Equal(snap.Tasks[j].NotBefore) {
			return snap.Tasks[i].ID < snap.Tasks[j].ID
		}
		return snap.Tasks[i].NotBefore.Before(snap.Tasks[j].NotBefore)
	})
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode spool snapshot: %w", err)
	}
	tmp, err := os.CreateTemp(dir, snapshotName+".tmp-*")
	if err != nil {
		return fmt.Errorf("create spool temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write spool snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close spool snapshot: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, snapshotName)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace spool snapshot: %w", err)
	}
	return nil
}

// Close flushes and releases the spool.
func (s *Spool) Close() error {
	return s.Flush()
}
