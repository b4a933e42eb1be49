package proxysource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/JakeFAU/crawlgate/internal/proxypool"
)

// JSONFeed reads {"data":[{"ip","port","protocol"}]} documents. Entries may
// list several protocols under "protocols", and ports may be numbers or
// strings. A bare top-level array of entries is accepted too.
type JSONFeed struct {
	feed
}

type jsonEntry struct {
	IP        string   `json:"ip"`
	Port      flexPort `json:"port"`
	Protocol  string   `json:"protocol"`
	Protocols []string `json:"protocols"`
}

type flexPort int

func (p *flexPort) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*p = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("port %s: %w", b, err)
	}
	*p = flexPort(n)
	return nil
}

// Fetch implements proxypool.Source.
func (f *JSONFeed) Fetch(ctx context.Context) ([]proxypool.Candidate, error) {
	body, err := f.get(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := decodeEntries(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", proxypool.ErrSourceUnavailable, f.Name(), err)
	}

	var out []proxypool.Candidate
	for _, e := range entries {
		protocols := e.Protocols
		if e.Protocol != "" {
			protocols = append(protocols, e.Protocol)
		}
		if len(protocols) == 0 {
			protocols = []string{""}
		}
		for _, proto := range protocols {
			out = f.accept(out, proto, e.IP, int(e.Port))
		}
	}
	return out, nil
}

func decodeEntries(body []byte) ([]jsonEntry, error) {
	body = bytes.TrimSpace(body)
	if bytes.HasPrefix(body, []byte("[")) {
		var entries []jsonEntry
		if err := json.Unmarshal(body, &entries); err != nil {
			return nil, fmt.Errorf("decode feed: %w", err)
		}
		return entries, nil
	}
	var doc struct {
		Data []jsonEntry `json:"data"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode feed: %w", err)
	}
	return doc.Data, nil
}
