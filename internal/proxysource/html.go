package proxysource

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/crawlgate/internal/proxypool"
)

// HTMLTable scrapes proxy rows out of an HTML table.
type HTMLTable struct {
	feed
}

// Fetch implements proxypool.Source.
func (h *HTMLTable) Fetch(ctx context.Context) ([]proxypool.Candidate, error) {
	body, err := h.get(ctx)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: parse html: %w", proxypool.ErrSourceUnavailable, h.Name(), err)
	}

	var out []proxypool.Candidate
	doc.Find(h.cfg.RowSelector).Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() == 0 {
			return // header row
		}
		ip := strings.TrimSpace(cells.Eq(h.cfg.IPColumn).Text())
		port, err := strconv.Atoi(strings.TrimSpace(cells.Eq(h.cfg.PortColumn).Text()))
		if err != nil {
			return
		}
		var proto string
		if h.cfg.ProtocolColumn >= 0 && h.cfg.ProtocolColumn < cells.Length() {
			proto = protocolFromCell(cells.Eq(h.cfg.ProtocolColumn).Text())
		}
		out = h.accept(out, proto, ip, port)
	})
	return out, nil
}

// protocolFromCell maps loose labels such as "HTTPS", "Socks5" or "yes"
// (an "https supported" column) to a scheme.
func protocolFromCell(cell string) string {
	v := strings.ToLower(strings.TrimSpace(cell))
	switch {
	case strings.Contains(v, "socks5"):
		return "socks5"
	case strings.Contains(v, "https"), v == "yes":
		return "https"
	case strings.Contains(v, "http"), v == "no":
		return "http"
	default:
		return ""
	}
}
