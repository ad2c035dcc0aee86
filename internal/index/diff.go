// Package index holds the listing diff logic shared by the index store
// backends.
package index

import (
	"sort"
	"time"

	"github.com/arachne-project/arachne/internal/crawler"
)

// Compute compares a stored snapshot against a fresh listing. Entries are
// matched by name within the directory. Removed entries carry the stored
// attributes (their kind decides whether a subtree prune is needed);
// modified entries carry the fresh attributes.
func Compute(prev map[string]crawler.Entry, next []crawler.Entry) (added, removed, modified []crawler.Entry) {
	seen := make(map[string]struct{}, len(next))
	for _, e := range next {
		seen[e.Name] = struct{}{}
		old, ok := prev[e.Name]
		if !ok {
			added = append(added, e)
			continue
		}
		if !entryEqual(old, e) {
			modified = append(modified, e)
		}
	}
	for name, old := range prev {
		if _, ok := seen[name]; !ok {
			removed = append(removed, old)
		}
	}
	sort.Slice(added, func(i, j int) bool { return added[i].Name < added[j].Name })
	sort.Slice(removed, func(i, j int) bool { return removed[i].Name < removed[j].Name })
	sort.Slice(modified, func(i, j int) bool { return modified[i].Name < modified[j].Name })
	return added, removed, modified
}

func entryEqual(a, b crawler.Entry) bool {
	return a.Kind == b.Kind && a.Size == b.Size && timeEqual(a.ModTime, b.ModTime)
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
