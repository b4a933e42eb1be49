package proxypool

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// candidateFor turns an httptest server into a proxy candidate.
func candidateFor(t *testing.T, srv *httptest.Server) Candidate {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return Candidate{Scheme: "http", Host: host, Port: port}
}

func TestHTTPValidatorAcceptsWorkingProxy(t *testing.T) {
	t.Parallel()

	seen := make(chan string, 1)
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.URL.String()
		_, _ = w.Write([]byte(`{"origin":"203.0.113.1"}`))
	}))
	defer proxySrv.Close()

	v := NewHTTPValidator("http://echo.test/ip", time.Second)
	require.NoError(t, v.Validate(context.Background(), candidateFor(t, proxySrv)))
	assert.Equal(t, "http://echo.test/ip", <-seen, "probe must travel through the proxy")
}

func TestHTTPValidatorRejectsBadStatus(t *testing.T) {
	t.Parallel()

	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer proxySrv.Close()

	err := NewHTTPValidator("http://echo.test/ip", time.Second).
		Validate(context.Background(), candidateFor(t, proxySrv))
	require.ErrorIs(t, err, ErrValidation)
}

func TestHTTPValidatorTimesOut(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer proxySrv.Close()
	defer close(release)

	start := time.Now()
	err := NewHTTPValidator("http://echo.test/ip", 50*time.Millisecond).
		Validate(context.Background(), candidateFor(t, proxySrv))
	require.ErrorIs(t, err, ErrValidation)
	assert.Less(t, time.Since(start), time.Second)
}

func TestHTTPValidatorUnreachableProxy(t *testing.T) {
	t.Parallel()

	proxySrv := httptest.NewServer(http.NotFoundHandler())
	c := candidateFor(t, proxySrv)
	proxySrv.Close()

	err := NewHTTPValidator("http://echo.test/ip", 200*time.Millisecond).Validate(context.Background(), c)
	require.ErrorIs(t, err, ErrValidation)
}

func TestHTTPValidatorUnsupportedScheme(t *testing.T) {
	t.Parallel()

	err := NewHTTPValidator("", 0).Validate(context.Background(), Candidate{Scheme: "ftp", Host: "h", Port: 21})
	require.ErrorIs(t, err, ErrValidation)
}

func TestCandidateHelpers(t *testing.T) {
	t.Parallel()

	c, err := NewCandidate(" HTTP ", "2001:db8::1", 8080)
	require.NoError(t, err)
	assert.Equal(t, "http://[2001:db8::1]:8080", c.Address())

	_, err = NewCandidate("gopher", "h", 70)
	require.Error(t, err)
	_, err = NewCandidate("http", "", 80)
	require.Error(t, err)
	_, err = NewCandidate("http", "h", 70000)
	require.Error(t, err)

	p, err := ParseAddress("socks5://192.0.2.1:1080")
	require.NoError(t, err)
	assert.Equal(t, "socks5", p.Scheme)
	_, err = ParseAddress("192.0.2.1:1080")
	require.Error(t, err)
}
