package proxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fidiego/proxylite/pkg/flow"
)

// startProxy runs the built-in engine on an ephemeral port.
func startProxy(t *testing.T, opts Options) (*Manager, *flow.Store, *url.URL) {
	t.Helper()
	store := flow.NewStore(quietLogger())
	m := NewManager(store, quietLogger())
	_, err := m.Start(Config{ListenHost: "127.0.0.1", Options: opts})
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = m.Stop(context.Background()) })

	addr, err := m.Addr()
	require.NoError(t, err)
	return m, store, &url.URL{Scheme: "http", Host: addr}
}

func proxiedClient(proxyURL *url.URL) *http.Client {
	return &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   5 * time.Second,
	}
}

// waitForStatus waits until the record with seq has a response phase.
func waitForStatus(t *testing.T, store *flow.Store, seq int64) flow.Record {
	t.Helper()
	var rec flow.Record
	require.Eventually(t, func() bool {
		var ok bool
		rec, ok = store.Get(seq)
		return ok && !rec.Pending()
	}, 5*time.Second, 10*time.Millisecond)
	return rec
}

func TestEngineForwardProxy(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("got " + string(body)))
	}))
	defer upstream.Close()

	_, store, proxyURL := startProxy(t, Options{MaxBodySize: 4})
	client := proxiedClient(proxyURL)

	resp, err := client.Post(upstream.URL+"/submit?x=1", "text/plain", strings.NewReader("hello world"))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "got hello world", string(body), "capture limit must not truncate forwarded traffic")

	rec := waitForStatus(t, store, 1)
	assert.Equal(t, "POST", rec.Method)
	assert.Equal(t, upstream.URL+"/submit?x=1", rec.URL)
	assert.Equal(t, strings.TrimPrefix(upstream.URL, "http://"), rec.Host)
	code, _ := rec.Status()
	assert.Equal(t, http.StatusCreated, code)

	require.NotNil(t, rec.RawRequest)
	assert.Equal(t, "hell", string(rec.RawRequest.Body))
	assert.True(t, rec.RawRequest.BodyTruncated)
	require.NotNil(t, rec.RawResponse)
	assert.Equal(t, "got ", string(rec.RawResponse.Body))
	assert.True(t, rec.RawResponse.BodyTruncated)
}

func TestEngineReverseProxy(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("api:" + r.URL.Path))
	}))
	defer api.Close()
	web := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("web:" + r.URL.Path))
	}))
	defer web.Close()

	_, store, proxyURL := startProxy(t, Options{Upstreams: []Upstream{
		{Name: "web", Prefix: "/", Target: web.URL},
		{Name: "api", Prefix: "/api", Target: api.URL, StripPrefix: true},
	}})

	get := func(path string) string {
		resp, err := http.Get(proxyURL.String() + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return string(b)
	}
	assert.Equal(t, "api:/users", get("/api/users"))
	assert.Equal(t, "web:/index.html", get("/index.html"))

	rec := waitForStatus(t, store, 1)
	assert.Equal(t, proxyURL.String()+"/api/users", rec.URL)
	waitForStatus(t, store, 2)
}

func TestEngineRejectsOriginFormWithoutUpstreams(t *testing.T) {
	_, store, proxyURL := startProxy(t, Options{})
	resp, err := http.Get(proxyURL.String() + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 0, store.Count())
}

func TestEngineUnreachableUpstreamStaysPending(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := "http://" + ln.Addr().String() + "/"
	require.NoError(t, ln.Close())

	_, store, proxyURL := startProxy(t, Options{})
	resp, err := proxiedClient(proxyURL).Get(dead)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	rec, ok := store.Get(1)
	require.True(t, ok)
	assert.True(t, rec.Pending())
	assert.Equal(t, "No response captured.\n", rec.ResponseText())
}

func TestEngineConnectTunnel(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("secret"))
	}))
	defer upstream.Close()

	_, store, proxyURL := startProxy(t, Options{})
	tr := upstream.Client().Transport.(*http.Transport).Clone()
	tr.Proxy = http.ProxyURL(proxyURL)
	client := &http.Client{Transport: tr, Timeout: 5 * time.Second}

	resp, err := client.Get(upstream.URL + "/inside")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "secret", string(body))

	rec := waitForStatus(t, store, 1)
	assert.Equal(t, http.MethodConnect, rec.Method)
	assert.Equal(t, strings.TrimPrefix(upstream.URL, "https://"), rec.Host)
	code, _ := rec.Status()
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, store.Count(), "tunnelled traffic is not inspected")
}

func TestEngineStopClosesTunnels(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	m, _, proxyURL := startProxy(t, Options{})
	conn, err := net.Dial("tcp", proxyURL.Host)
	require.NoError(t, err)
	defer conn.Close()
	target := strings.TrimPrefix(upstream.URL, "https://")
	_, err = conn.Write([]byte("CONNECT " + target + " HTTP/1.1\r\nHost: " + target + "\r\n\r\n"))
	require.NoError(t, err)
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "200 Connection Established")

	status, err := m.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, status)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Read(buf)
	assert.Error(t, err, "tunnel is closed on stop")
}
