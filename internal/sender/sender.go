// Package sender performs the downstream request for a ready dispatch using
// a gocolly collector routed through the chosen proxy.
package sender

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/crawlgate/internal/dispatcher"
)

// ErrProxyTransport marks failures with no HTTP status: the proxy refused,
// dropped or timed out the exchange.
var ErrProxyTransport = errors.New("proxy transport failure")

const defaultTimeout = 10 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	Headers   http.Header
}

// Result is what came back from the target.
type Result struct {
	StatusCode int
	Headers    http.Header
	Bytes      int
	Duration   time.Duration
}

// Sender is safe for concurrent use; every Send builds its own collector.
type Sender struct {
	cfg Config
	// rootCAs overrides the system roots for proxy and target handshakes.
	rootCAs *x509.CertPool
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Sender.
func New(cfg Config) *Sender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Sender{cfg: cfg}
}

// Send issues a GET for ready through its proxy. CONNECT tunnels, socks5
// dials and absolute-form requests target the resolved address while the
// Host header and TLS server name carry the original hostname. HTTP error
// statuses are results.
func (s *Sender) Send(ctx context.Context, ready dispatcher.Ready) (Result, error) {
	target, hostHeader, err := pinnedURL(ready)
	if err != nil {
		return Result{}, fmt.Errorf("send %s: %w", ready.URL, err)
	}
	proxyURL, err := url.Parse(ready.Proxy)
	if err != nil || proxyURL.Host == "" {
		return Result{}, fmt.Errorf("send %s: invalid proxy %q", ready.URL, ready.Proxy)
	}

	var (
		result  Result
		sendErr error
	)
	transport := newTransport(proxyURL, ready.Host, s.rootCAs)
	defer transport.CloseIdleConnections()

	collector := s.buildCollector(hostRoundTripper{pinned: ready.Address, host: hostHeader, next: transport})
	s.configureCollectorHooks(collector, time.Now(), &result, &sendErr)

	if err := runCollector(ctx, collector, target, &sendErr); err != nil {
		return Result{}, err
	}
	return result, nil
}

func (s *Sender) buildCollector(transport http.RoundTripper) *colly.Collector {
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	if s.cfg.UserAgent != "" {
		c.UserAgent = s.cfg.UserAgent
	}
	c.ParseHTTPErrorResponse = true
	c.IgnoreRobotsTxt = true
	c.WithTransport(transport)
	c.SetRequestTimeout(s.cfg.Timeout)
	return c
}

func (s *Sender) configureCollectorHooks(
	hooks collectorHooks,
	start time.Time,
	result *Result,
	sendErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range s.cfg.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = Result{
			StatusCode: r.StatusCode,
			Bytes:      len(r.Body),
			Duration:   time.Since(start),
		}
		if r.Headers != nil {
			result.Headers = r.Headers.Clone()
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			return
		}
		*sendErr = err
	})
}

func runCollector(ctx context.Context, collector *colly.Collector, target string, sendErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("send canceled: %w", ctx.Err())
	case err := <-done:
		if err == nil {
			err = *sendErr
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrProxyTransport, err)
		}
		return nil
	}
}

// pinnedURL swaps the hostname in ready.URL for the resolved address. It
// also returns the original authority for the Host header.
func pinnedURL(ready dispatcher.Ready) (string, string, error) {
	u, err := url.Parse(ready.URL)
	if err != nil {
		return "", "", fmt.Errorf("parse url: %w", err)
	}
	if ready.Address == "" || ready.Port == 0 {
		return "", "", errors.New("ready request has no resolved target")
	}
	host := u.Host
	u.Host = ready.Target()
	return u.String(), host, nil
}

// hostRoundTripper restores the original Host on requests to the pinned
// address. net/http writes req.Host and ignores a "Host" entry in the header
// map. Redirects elsewhere pass through untouched.
type hostRoundTripper struct {
	pinned string
	host   string
	next   http.RoundTripper
}

func (h hostRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Hostname() != h.pinned {
		return h.next.RoundTrip(req)
	}
	out := req.Clone(req.Context())
	out.Host = h.host
	return h.next.RoundTrip(out)
}

// newTransport routes through proxyURL. TLSClientConfig names the target and
// is only used for the handshake inside a CONNECT tunnel; an https proxy gets
// its own dialer that verifies the proxy's certificate.
func newTransport(proxyURL *url.URL, serverName string, roots *x509.CertPool) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	t := &http.Transport{
		Proxy:                 http.ProxyURL(proxyURL),
		DialContext:           dialer.DialContext,
		TLSClientConfig:       &tls.Config{ServerName: serverName, RootCAs: roots, MinVersion: tls.VersionTLS12},
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          1,
		IdleConnTimeout:       30 * time.Second,
	}
	if proxyURL.Scheme == "https" {
		proxyTLS := &tls.Dialer{
			NetDialer: dialer,
			Config:    &tls.Config{ServerName: proxyURL.Hostname(), RootCAs: roots, MinVersion: tls.VersionTLS12},
		}
		t.DialTLSContext = proxyTLS.DialContext
	}
	return t
}
