package proxysource

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlgate/internal/proxypool"
)

func serve(t *testing.T, contentType, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", contentType)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func addresses(cands []proxypool.Candidate) []string {
	out := make([]string, 0, len(cands))
	for _, c := range cands {
		out = append(out, c.Address())
	}
	return out
}

func TestJSONFeedDataShape(t *testing.T) {
	t.Parallel()

	srv := serve(t, "application/json", `{"data":[
		{"ip":"203.0.113.1","port":"8080","protocol":"http"},
		{"ip":"203.0.113.2","port":3128,"protocol":"HTTPS"},
		{"ip":"203.0.113.3","port":1080,"protocols":["socks5"]},
		{"ip":"203.0.113.4","port":"0","protocol":"http"},
		{"ip":"","port":80,"protocol":"http"}
	]}`)

	src, err := New(Config{Name: "feed", URL: srv.URL, Format: FormatJSON}, nil)
	require.NoError(t, err)
	assert.Equal(t, "feed", src.Name())

	got, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"http://203.0.113.1:8080",
		"https://203.0.113.2:3128",
		"socks5://203.0.113.3:1080",
	}, addresses(got))
}

func TestJSONFeedSkipsSchemes(t *testing.T) {
	t.Parallel()

	srv := serve(t, "application/json", `[
		{"ip":"198.51.100.1","port":"80","protocols":["http","socks5"]},
		{"ip":"198.51.100.2","port":"1080","protocols":["socks5"]}
	]`)
	src, err := New(Config{URL: srv.URL, SkipSchemes: []string{"SOCKS5"}}, nil)
	require.NoError(t, err)

	got, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"http://198.51.100.1:80"}, addresses(got))
}

func TestJSONFeedMalformed(t *testing.T) {
	t.Parallel()

	srv := serve(t, "application/json", `{"data": [`)
	src, err := New(Config{URL: srv.URL}, nil)
	require.NoError(t, err)
	_, err = src.Fetch(context.Background())
	require.ErrorIs(t, err, proxypool.ErrSourceUnavailable)
}

func TestFetchNon200IsUnavailable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	src, err := New(Config{URL: srv.URL, Format: FormatText}, nil)
	require.NoError(t, err)
	_, err = src.Fetch(context.Background())
	require.ErrorIs(t, err, proxypool.ErrSourceUnavailable)
}

func TestHTMLTable(t *testing.T) {
	t.Parallel()

	srv := serve(t, "text/html", `<html><body>
	<table class="proxies">
	  <tr><th>IP</th><th>Port</th><th>Code</th><th>Https</th></tr>
	  <tr><td>192.0.2.10</td><td>8080</td><td>US</td><td>no</td></tr>
	  <tr><td>192.0.2.11</td><td>443</td><td>DE</td><td>yes</td></tr>
	  <tr><td>192.0.2.12</td><td>n/a</td><td>FR</td><td>no</td></tr>
	</table></body></html>`)

	src, err := New(Config{
		URL:            srv.URL,
		Format:         FormatHTML,
		RowSelector:    "table.proxies tr",
		IPColumn:       0,
		PortColumn:     1,
		ProtocolColumn: 3,
	}, nil)
	require.NoError(t, err)

	got, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"http://192.0.2.10:8080", "https://192.0.2.11:443"}, addresses(got))
}

func TestHTMLTableDefaultsWithoutProtocolColumn(t *testing.T) {
	t.Parallel()

	srv := serve(t, "text/html", `<table><tr><td>192.0.2.20</td><td>3128</td></tr></table>`)
	src, err := New(Config{URL: srv.URL, Format: FormatHTML, Scheme: "https"}, nil)
	require.NoError(t, err)

	got, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"https://192.0.2.20:3128"}, addresses(got))
}

func TestTextList(t *testing.T) {
	t.Parallel()

	srv := serve(t, "text/plain", "# comment\n192.0.2.30:80\n\nsocks5://192.0.2.31:1080 fast\nnot-a-proxy\nhttp://\n[2001:db8::5]:8080\n")
	src, err := New(Config{URL: srv.URL, Format: "TEXT"}, nil)
	require.NoError(t, err)

	got, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"http://192.0.2.30:80",
		"socks5://192.0.2.31:1080",
		"http://[2001:db8::5]:8080",
	}, addresses(got))
}

func TestFromConfigs(t *testing.T) {
	t.Parallel()

	srcs, err := FromConfigs([]Config{
		{Name: "a", URL: "http://a.test/", Format: FormatJSON},
		{Name: "b", URL: "http://b.test/", Format: FormatHTML},
	}, nil)
	require.NoError(t, err)
	require.Len(t, srcs, 2)
	assert.IsType(t, &HTMLTable{}, srcs[1])

	_, err = FromConfigs([]Config{{Name: "c", URL: "http://c.test/", Format: "xml"}}, nil)
	require.Error(t, err)
	_, err = New(Config{Name: "d"}, nil)
	require.Error(t, err)
}
