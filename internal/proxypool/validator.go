package proxypool

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/proxy"
)

const (
	// DefaultEchoURL answers with the caller's address.
	DefaultEchoURL           = "http://httpbin.org/ip"
	defaultValidationTimeout = 5 * time.Second
)

// HTTPValidator probes a candidate by fetching EchoURL through it. A 200
// response within Timeout means the proxy is usable.
type HTTPValidator struct {
	EchoURL string
	Timeout time.Duration
}

// NewHTTPValidator fills defaults for empty arguments.
func NewHTTPValidator(echoURL string, timeout time.Duration) *HTTPValidator {
	if echoURL == "" {
		echoURL = DefaultEchoURL
	}
	if timeout <= 0 {
		timeout = defaultValidationTimeout
	}
	return &HTTPValidator{EchoURL: echoURL, Timeout: timeout}
}

// Validate implements Validator.
func (v *HTTPValidator) Validate(ctx context.Context, c Candidate) error {
	transport, err := v.transportFor(c)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrValidation, c.Address(), err)
	}
	defer transport.CloseIdleConnections()

	ctx, cancel := context.WithTimeout(ctx, v.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.EchoURL, nil)
	if err != nil {
		return fmt.Errorf("%w: build probe: %w", ErrValidation, err)
	}
	client := &http.Client{Transport: transport, Timeout: v.Timeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrValidation, c.Address(), err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s: status %d", ErrValidation, c.Address(), resp.StatusCode)
	}
	return nil
}

func (v *HTTPValidator) transportFor(c Candidate) (*http.Transport, error) {
	base := &http.Transport{
		TLSHandshakeTimeout:   v.Timeout,
		ResponseHeaderTimeout: v.Timeout,
		DisableKeepAlives:     true,
	}
	switch c.Scheme {
	case "http", "https":
		base.Proxy = http.ProxyURL(c.URL())
		return base, nil
	case "socks5":
		dialer, err := proxy.SOCKS5("tcp", net.JoinHostPort(c.Host, fmt.Sprint(c.Port)), nil,
			&net.Dialer{Timeout: v.Timeout})
		if err != nil {
			return nil, fmt.Errorf("socks5 dialer: %w", err)
		}
		ctxDialer, ok := dialer.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks5 dialer does not support contexts")
		}
		base.DialContext = ctxDialer.DialContext
		return base, nil
	default:
		return nil, fmt.Errorf("unsupported scheme %q", c.Scheme)
	}
}
