package plugin

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fidiego/proxylite/pkg/exchange"
)

// loadScript discovers dir and returns the unit with the given id.
func loadScript(t *testing.T, dir, id string) Unit {
	t.Helper()
	r := NewRegistry(quietLogger())
	require.NoError(t, r.Discover(context.Background(), dir))
	for _, f := range r.Failures() {
		t.Logf("load failure: %v", &f)
	}
	u, ok := r.Get(id)
	require.True(t, ok, "unit %s not loaded", id)
	return u
}

func TestScriptAnnotatesAndLogs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "cors.js", corsScript)
	u := loadScript(t, dir, "cors")

	req, resp := exchange.FromLiteral(exchange.Literal{
		URL:            "http://example.test/",
		Headers:        map[string]string{"Origin": "http://evil.test"},
		StatusCode:     200,
		ResponseHeader: map[string]string{"Access-Control-Allow-Origin": "http://evil.test"},
	})
	j := &exchange.Journal{}
	require.NoError(t, u.Entry(exchange.WithJournal(context.Background(), j), req, resp))

	assert.Equal(t, map[string]string{"X-ProxyLite-CORS": "http://evil.test"}, resp.Annotations())
	assert.Equal(t, []string{"[CORS Scanner] Potentially permissive CORS detected."}, j.Lines())
}

func TestScriptThrowBecomesError(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "boom.js", `function run(request) { throw new Error("bad input for " + request.method); }`)
	u := loadScript(t, dir, "boom")

	req, resp := exchange.FromLiteral(exchange.Literal{Method: "post", URL: "http://x.test/"})
	err := u.Entry(context.Background(), req, resp)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad input for POST")
}

func TestScriptViewsAreReadOnly(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "mutate.js", `function run(request) { request.url = "http://other.test/"; }`)
	u := loadScript(t, dir, "mutate")

	req, resp := exchange.FromLiteral(exchange.Literal{URL: "http://x.test/"})
	err := u.Entry(context.Background(), req, resp)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read-only")
	assert.Equal(t, "http://x.test/", req.URL)
}

func TestScriptFreshRuntimePerInvocation(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "counter.js", `
var calls = 0;
function run(request, response) {
  calls++;
  response.annotate("calls", String(calls));
}`)
	u := loadScript(t, dir, "counter")

	for i := 0; i < 3; i++ {
		req, resp := exchange.FromLiteral(exchange.Literal{URL: "http://x.test/"})
		require.NoError(t, u.Entry(context.Background(), req, resp))
		assert.Equal(t, "1", resp.Annotations()["calls"])
	}
}

func TestScriptHeadersCaseInsensitive(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "hdr.js", `
function run(request, response) {
  response.annotate("ct", request.headers.get("CONTENT-TYPE"));
  response.annotate("has", String(request.headers.has("x-missing")));
  response.annotate("missing", String(request.headers.get("x-missing")));
  response.annotate("keys", request.headers.keys().join(","));
  response.annotate("text", request.get_text());
}`)
	u := loadScript(t, dir, "hdr")

	req, resp := exchange.FromLiteral(exchange.Literal{
		Method:  "POST",
		URL:     "http://x.test/",
		Headers: map[string]string{"content-type": "application/json", "Accept": "*/*"},
		Body:    `{"q":1}`,
	})
	require.NoError(t, u.Entry(context.Background(), req, resp))
	ann := resp.Annotations()
	assert.Equal(t, "application/json", ann["ct"])
	assert.Equal(t, "false", ann["has"])
	assert.Equal(t, "null", ann["missing"])
	assert.Equal(t, "Accept,Content-Type", ann["keys"])
	assert.Equal(t, `{"q":1}`, ann["text"])
}

func TestScriptResources(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "sqli/index.js", `
var payloads = proxylite.lines("payloads/payloads.txt");
function run(request, response) {
  response.annotate("count", String(payloads.length));
  response.annotate("first", payloads[0]);
}`)
	writeFile(t, dir, "sqli/payloads/payloads.txt", "# comment\n' OR '1'='1\n\n\" OR 1=1 --\n")
	writeFile(t, dir, "escape/index.js", `proxylite.resource("../sqli/index.js"); function run() {}`)

	r := NewRegistry(quietLogger())
	require.NoError(t, r.Discover(context.Background(), dir))

	u, ok := r.Get("sqli")
	require.True(t, ok)
	req, resp := exchange.FromLiteral(exchange.Literal{URL: "http://x.test/"})
	require.NoError(t, u.Entry(context.Background(), req, resp))
	assert.Equal(t, "2", resp.Annotations()["count"])
	assert.Equal(t, "' OR '1'='1", resp.Annotations()["first"])

	_, ok = r.Get("escape")
	assert.False(t, ok)
	require.Len(t, r.Failures(), 1)
	assert.Contains(t, r.Failures()[0].Reason(), "escapes the plugin directory")
}

func TestScriptInterruptedByContext(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "spin.js", `function run() { for (;;) {} }`)
	u := loadScript(t, dir, "spin")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, resp := exchange.FromLiteral(exchange.Literal{URL: "http://x.test/"})
	err := u.Entry(ctx, req, resp)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestScriptLoadTimeout(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "hang.js", `for (;;) {} function run() {}`)

	l := NewScriptLoader(quietLogger())
	l.LoadTimeout = 50 * time.Millisecond
	r := NewRegistry(quietLogger(), WithLoader(l))
	require.NoError(t, r.Discover(context.Background(), dir))
	assert.Empty(t, r.List())
	require.Len(t, r.Failures(), 1)
	assert.ErrorIs(t, r.Failures()[0].Err, context.DeadlineExceeded)
}

func TestScriptSendRequiresCapability(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "active.js", `
function run(request, response) {
  var variant = request.copy();
  variant.setHeader("X-Variant", "1");
  request.send(variant);
}`)
	u := loadScript(t, dir, "active")

	req, resp := exchange.FromLiteral(exchange.Literal{URL: "http://x.test/"})
	err := u.Entry(context.Background(), req, resp)
	assert.ErrorIs(t, err, exchange.ErrSendNotPermitted)
}

func TestScriptSendsCopies(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, r.Method+" "+r.URL.RawQuery+" "+string(body)+" "+r.Header.Get("X-Variant"))
		if r.URL.Query().Get("id") == "AAAA" {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	writeFile(t, dir, "bof.js", `
function run(request, response) {
  var crafted = request.copy();
  crafted.url = request.url.replace("id=1", "id=AAAA");
  crafted.headers.set("X-Variant", "bof");
  var r1 = request.send(crafted);
  if (r1.status_code >= 500) {
    response.annotate("crash", "id");
  }
  var posted = request.copy().setMethod("post").setText("a=b");
  var r2 = posted.send();
  response.annotate("second", String(r2.statusCode));
}`)
	u := loadScript(t, dir, "bof")

	req, resp := exchange.FromLiteral(
		exchange.Literal{URL: srv.URL + "/item?id=1"},
		exchange.WithSender(exchange.NewHTTPSender(5*time.Second, 0)),
	)
	require.NoError(t, u.Entry(context.Background(), req, resp))
	assert.Equal(t, "id", resp.Annotations()["crash"])
	assert.Equal(t, "200", resp.Annotations()["second"])
	mu.Lock()
	assert.Equal(t, []string{"GET id=AAAA  bof", "POST id=1 a=b "}, seen)
	mu.Unlock()
	assert.Equal(t, srv.URL+"/item?id=1", req.URL, "original request is untouched")
}

func TestScriptSleepHonoursCancel(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "slow.js", `function run() { proxylite.sleep(10000); }`)
	u := loadScript(t, dir, "slow")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	req, resp := exchange.FromLiteral(exchange.Literal{URL: "http://x.test/"})
	err := u.Entry(ctx, req, resp)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}
