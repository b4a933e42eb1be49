package proxysource

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"strconv"
	"strings"

	"github.com/JakeFAU/crawlgate/internal/proxypool"
)

// TextList reads one "host:port" or "scheme://host:port" per line. Blank
// lines and lines starting with '#' are ignored.
type TextList struct {
	feed
}

// Fetch implements proxypool.Source.
func (l *TextList) Fetch(ctx context.Context) ([]proxypool.Candidate, error) {
	body, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	var out []proxypool.Candidate
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var scheme string
		if i := strings.Index(line, "://"); i > 0 {
			scheme, line = line[:i], line[i+3:]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		host, portStr, err := net.SplitHostPort(fields[0])
		if err != nil {
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			continue
		}
		out = l.accept(out, scheme, host, port)
	}
	return out, nil
}
