package proxypool

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

var (
	// ErrNoProxyAvailable means no active proxy matches the requested scheme.
	ErrNoProxyAvailable = errors.New("no proxy available")
	// ErrValidation marks a candidate that failed its probe.
	ErrValidation = errors.New("proxy validation failed")
	// ErrSourceUnavailable marks a source feed that could not be fetched or parsed.
	ErrSourceUnavailable = errors.New("proxy source unavailable")
)

// Proxy is a pool member. Address is the full "scheme://host:port" form and is
// the member key in the shared store.
type Proxy struct {
	Address string  `json:"address"`
	Scheme  string  `json:"scheme"`
	Score   float64 `json:"score"`
}

// Candidate is a proxy offered by a source feed, before validation.
type Candidate struct {
	Scheme string
	Host   string
	Port   int
}

// Address renders the candidate as "scheme://host:port".
func (c Candidate) Address() string {
	return c.Scheme + "://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// URL returns the candidate in url.URL form for transports.
func (c Candidate) URL() *url.URL {
	return &url.URL{Scheme: c.Scheme, Host: net.JoinHostPort(c.Host, strconv.Itoa(c.Port))}
}

// NewCandidate normalizes and checks a scraped entry.
func NewCandidate(scheme, host string, port int) (Candidate, error) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	host = strings.TrimSpace(host)
	switch scheme {
	case "http", "https", "socks5":
	default:
		return Candidate{}, fmt.Errorf("unsupported proxy scheme %q", scheme)
	}
	if host == "" {
		return Candidate{}, errors.New("proxy host is empty")
	}
	if port <= 0 || port > 65535 {
		return Candidate{}, fmt.Errorf("proxy port %d out of range", port)
	}
	return Candidate{Scheme: scheme, Host: host, Port: port}, nil
}

// ParseAddress splits a pool member back into a Proxy.
func ParseAddress(address string) (Proxy, error) {
	u, err := url.Parse(address)
	if err != nil {
		return Proxy{}, fmt.Errorf("parse proxy address %q: %w", address, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return Proxy{}, fmt.Errorf("proxy address %q must be scheme://host:port", address)
	}
	return Proxy{Address: address, Scheme: strings.ToLower(u.Scheme)}, nil
}

func schemeOf(address string) string {
	if i := strings.Index(address, "://"); i > 0 {
		return strings.ToLower(address[:i])
	}
	return ""
}
