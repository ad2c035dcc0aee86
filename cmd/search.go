package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/arachne-project/arachne/internal/crawler"
)

// searchResponse mirrors the /v1/search payload of the crawl service.
type searchResponse struct {
	Query   string                 `json:"query"`
	Count   int                    `json:"count"`
	Results []crawler.SearchResult `json:"results"`
}

// newSearchCmd creates the 'search' subcommand, which queries a running
// crawl service over its HTTP endpoint.
func newSearchCmd() *cobra.Command {
	var (
		addr  string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Searches the index of a running crawl service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearchCommand(cmd, addr, args[0], limit)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:8080", "base URL of the crawl service")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of results")
	return cmd
}

func runSearchCommand(cmd *cobra.Command, addr, query string, limit int) error {
	u, err := url.Parse(addr)
	if err != nil {
		return fmt.Errorf("parse addr: %w", err)
	}
	u = u.JoinPath("v1", "search")
	q := url.Values{}
	q.Set("q", query)
	q.Set("limit", strconv.Itoa(limit))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("query %s: %w", u.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("search failed: %s: %s", resp.Status, body)
	}

	var payload searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	if payload.Count == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "no entries match %q\n", query)
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PATH\tKIND\tSIZE\tMODIFIED")
	for _, r := range payload.Results {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Path, r.Kind, formatSize(r.Kind, r.Size), formatModTime(r.ModTime))
	}
	return w.Flush()
}

func formatSize(kind crawler.EntryKind, size int64) string {
	if kind == crawler.KindDirectory {
		return "-"
	}
	return strconv.FormatInt(size, 10)
}

func formatModTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
