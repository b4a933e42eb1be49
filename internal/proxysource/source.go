// Package proxysource fetches proxy candidates from public feeds.
//
// Three feed formats are understood: a JSON document listing ip/port/protocol
// entries, an HTML table scraped with goquery, and a plain text list with one
// proxy per line.
package proxysource

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/crawlgate/internal/proxypool"
)

// Format names a feed layout.
type Format string

// Supported feed formats.
const (
	FormatJSON Format = "json"
	FormatHTML Format = "html"
	FormatText Format = "text"
)

const (
	defaultUserAgent = "crawlgate/1.0 (+proxy refill)"
	maxFeedBytes     = 8 << 20
)

// Config describes one feed.
type Config struct {
	Name   string
	URL    string
	Format Format
	// Scheme is used for entries that carry no protocol of their own.
	Scheme string
	// SkipSchemes drops candidates with these protocols.
	SkipSchemes []string
	// HTML table layout; columns are zero-based.
	RowSelector    string
	IPColumn       int
	PortColumn     int
	ProtocolColumn int // negative, or equal to the ip/port column, means none
	UserAgent      string
}

// New builds a source for cfg. client may be nil.
func New(cfg Config, client *http.Client) (proxypool.Source, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("proxy source %q: url is required", cfg.Name)
	}
	if cfg.Name == "" {
		cfg.Name = cfg.URL
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	base := feed{cfg: cfg, client: client, skip: toSet(cfg.SkipSchemes)}
	switch Format(strings.ToLower(string(cfg.Format))) {
	case FormatJSON, "":
		return &JSONFeed{feed: base}, nil
	case FormatHTML:
		if base.cfg.RowSelector == "" {
			base.cfg.RowSelector = "table tr"
		}
		if base.cfg.PortColumn == base.cfg.IPColumn {
			base.cfg.PortColumn = base.cfg.IPColumn + 1
		}
		if base.cfg.ProtocolColumn == base.cfg.IPColumn || base.cfg.ProtocolColumn == base.cfg.PortColumn {
			base.cfg.ProtocolColumn = -1
		}
		return &HTMLTable{feed: base}, nil
	case FormatText:
		return &TextList{feed: base}, nil
	default:
		return nil, fmt.Errorf("proxy source %q: unknown format %q", cfg.Name, cfg.Format)
	}
}

// FromConfigs builds every configured source.
func FromConfigs(cfgs []Config, client *http.Client) ([]proxypool.Source, error) {
	out := make([]proxypool.Source, 0, len(cfgs))
	for _, cfg := range cfgs {
		src, err := New(cfg, client)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, nil
}

// feed holds what every format shares: the HTTP fetch and candidate filtering.
type feed struct {
	cfg    Config
	client *http.Client
	skip   map[string]struct{}
}

// Name implements proxypool.Source.
func (f *feed) Name() string { return f.cfg.Name }

func (f *feed) get(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", proxypool.ErrSourceUnavailable, f.cfg.Name, err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", proxypool.ErrSourceUnavailable, f.cfg.Name, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: status %d", proxypool.ErrSourceUnavailable, f.cfg.Name, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: read body: %w", proxypool.ErrSourceUnavailable, f.cfg.Name, err)
	}
	return body, nil
}

// accept normalizes one scraped entry; invalid or skipped entries are dropped.
func (f *feed) accept(out []proxypool.Candidate, scheme, host string, port int) []proxypool.Candidate {
	if scheme == "" {
		scheme = f.cfg.Scheme
	}
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if _, skip := f.skip[scheme]; skip {
		return out
	}
	c, err := proxypool.NewCandidate(scheme, host, port)
	if err != nil {
		return out
	}
	return append(out, c)
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[strings.ToLower(strings.TrimSpace(v))] = struct{}{}
	}
	return set
}
