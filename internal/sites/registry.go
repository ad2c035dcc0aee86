// Package sites holds the immutable per-site crawl policy table.
package sites

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/arachne-project/arachne/internal/hash/sha256"
)

// Policy bundles the rate, backoff and revisit knobs for one site.
type Policy struct {
	Handler            string
	MaxDepth           int
	RequestWait        time.Duration
	ErrorSiteWait      time.Duration
	ErrorDirWait       time.Duration
	MinRevisitWait     time.Duration
	MaxRevisitWait     time.Duration
	DefaultRevisitWait time.Duration
}

// Site is one configured crawl root. Sites are built once at startup and
// never mutated afterwards.
type Site struct {
	ID     string
	URL    *url.URL
	Policy Policy
}

// RootPath returns the directory path of the site root ("/" when the URL
// carries no path).
func (s *Site) RootPath() string {
	p := strings.TrimRight(s.URL.Path, "/")
	if p == "" {
		return "/"
	}
	return p
}

// New builds a Site from a root URL and policy. The site ID is derived from
// the normalized URL so it stays stable across restarts.
func New(rawURL string, policy Policy) (Site, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Site{}, fmt.Errorf("parse site url %q: %w", rawURL, err)
	}
	// file URLs carry the root in the path and have no host.
	if u.Scheme == "" || (u.Host == "" && u.Scheme != "file") {
		return Site{}, fmt.Errorf("site url %q must be absolute", rawURL)
	}
	normalized := u.Scheme + "://" + u.Host + strings.TrimRight(u.Path, "/")
	id, err := sha256.New().Hash([]byte(normalized))
	if err != nil {
		return Site{}, fmt.Errorf("derive site id: %w", err)
	}
	site := Site{ID: id, URL: u, Policy: policy}
	if err := validate(site); err != nil {
		return Site{}, err
	}
	return site, nil
}

func validate(s Site) error {
	p := s.Policy
	if p.Handler == "" {
		return fmt.Errorf("site %s: handler is required", s.URL)
	}
	if p.MaxDepth < 0 {
		return fmt.Errorf("site %s: max_depth must be >= 0", s.URL)
	}
	for name, d := range map[string]time.Duration{
		"request_wait":         p.RequestWait,
		"error_site_wait":      p.ErrorSiteWait,
		"error_dir_wait":       p.ErrorDirWait,
		"min_revisit_wait":     p.MinRevisitWait,
		"max_revisit_wait":     p.MaxRevisitWait,
		"default_revisit_wait": p.DefaultRevisitWait,
	} {
		if d < 0 {
			return fmt.Errorf("site %s: %s must not be negative", s.URL, name)
		}
	}
	if p.MinRevisitWait > p.DefaultRevisitWait || p.DefaultRevisitWait > p.MaxRevisitWait {
		return fmt.Errorf("site %s: revisit waits must satisfy min <= default <= max", s.URL)
	}
	return nil
}

// Registry is the immutable site table built from configuration.
type Registry struct {
	byID  map[string]*Site
	order []*Site
}

// NewRegistry validates the sites and builds a registry. At least one site
// is required; duplicate root URLs are rejected.
func NewRegistry(list []Site) (*Registry, error) {
	if len(list) == 0 {
		return nil, fmt.Errorf("no sites configured")
	}
	byID := make(map[string]*Site, len(list))
	order := make([]*Site, 0, len(list))
	for i := range list {
		s := list[i]
		if err := validate(s); err != nil {
			return nil, err
		}
		if _, dup := byID[s.ID]; dup {
			return nil, fmt.Errorf("duplicate site %s", s.URL)
		}
		byID[s.ID] = &s
		order = append(order, &s)
	}
	sort.Slice(order, func(i, j int) bool { return order[i].URL.String() < order[j].URL.String() })
	return &Registry{byID: byID, order: order}, nil
}

// ByID returns the site for the given ID.
func (r *Registry) ByID(id string) (*Site, bool) {
	s, ok := r.byID[id]
	return s, ok
}

// All returns the sites in stable URL order.
func (r *Registry) All() []*Site {
	out := make([]*Site, len(r.order))
	copy(out, r.order)
	return out
}

// IDs returns the set of configured site IDs.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.order))
	for _, s := range r.order {
		ids = append(ids, s.ID)
	}
	return ids
}

// Len returns the number of configured sites.
func (r *Registry) Len() int {
	return len(r.order)
}
