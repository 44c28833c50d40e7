package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fidiego/proxylite/pkg/flow"
	"github.com/fidiego/proxylite/pkg/plugin"
	"github.com/fidiego/proxylite/pkg/proxy"
	"github.com/fidiego/proxylite/pkg/scan"
)

var (
	_ flow.Metrics   = (*Metrics)(nil)
	_ plugin.Metrics = (*Metrics)(nil)
	_ scan.Metrics   = (*Metrics)(nil)
	_ proxy.Metrics  = (*Metrics)(nil)
)

func TestStoreCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())
	store := flow.NewStore(nil, flow.WithMetrics(m))

	store.RecordRequest("a", "h", "GET", "/", nil)
	store.RecordRequest("a", "h", "GET", "/", nil)
	store.RecordRequest("b", "h", "GET", "/", nil)
	store.RecordResponse("zzz", 200, nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.FlowsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DuplicateFlowsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OrphanedResponsesTotal))
}

func TestScanAndPluginInstruments(t *testing.T) {
	m := New(nil)
	m.PluginsLoaded(3)
	m.PluginLoadFailed("broken")
	m.ScanCompleted("cors", scan.StatusSuccess, 20*time.Millisecond)
	m.ScanCompleted("cors", scan.StatusFailed, time.Millisecond)
	m.SessionRunning(true)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.LoadedPlugins))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PluginLoadFailuresTotal.WithLabelValues("broken")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ScansTotal.WithLabelValues("cors", "failed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ScanDuration))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProxyRunning))

	m.SessionRunning(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ProxyRunning))
}

func TestHandlerAndMiddleware(t *testing.T) {
	m := New(nil)
	api := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	api.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("DELETE", "/api/flows", nil))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("DELETE", "409")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.True(t, strings.Contains(string(body), "proxylite_http_requests_total"))
}
