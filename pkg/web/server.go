// Package web serves the REST API, live websocket feed and browser UI.
package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fidiego/proxylite/pkg/metrics"
	"github.com/fidiego/proxylite/pkg/plugin"
	"github.com/fidiego/proxylite/pkg/proxy"
	"github.com/fidiego/proxylite/pkg/repeater"
	"github.com/fidiego/proxylite/pkg/scan"
)

// Deps are the components the API drives. Metrics may be nil.
type Deps struct {
	Manager  *proxy.Manager
	Plugins  *plugin.Registry
	Scanner  *scan.Orchestrator
	Repeater *repeater.Repeater
	Metrics  *metrics.Metrics

	// ProxyConfig is used by POST /api/proxy/start.
	ProxyConfig proxy.Config
}

// Server serves the web UI and REST API.
type Server struct {
	deps Deps
	host string
	port int
	hub  *hub
	log  *logrus.Entry
}

// New creates a web Server bound to host:port.
func New(deps Deps, host string, port int, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.New()
	}
	if host == "" {
		host = "127.0.0.1"
	}
	entry := log.WithField("component", "web")
	return &Server{
		deps: deps,
		host: host,
		port: port,
		hub:  newHub(entry),
		log:  entry,
	}
}

// Start runs the web server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.run(ctx, s.deps.Manager.Store())

	srv := &http.Server{
		Addr:              net.JoinHostPort(s.host, strconv.Itoa(s.port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	s.log.Infof("Web UI: http://%s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web server: %w", err)
	}
	return nil
}

// Handler returns the routed handler without starting a listener. The
// websocket feed only delivers events once Start (or RunHub) is running.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	h := &handlers{deps: s.deps, log: s.log}

	api := http.NewServeMux()
	api.HandleFunc("GET /api/flows", h.listFlows)
	api.HandleFunc("DELETE /api/flows", h.resetFlows)
	api.HandleFunc("GET /api/flows/{seq}", h.getFlow)
	api.HandleFunc("GET /api/flows/{seq}/raw", h.getFlowRaw)
	api.HandleFunc("POST /api/flows/{seq}/scan", h.scanFlow)
	api.HandleFunc("POST /api/flows/{seq}/replay", h.replayFlow)
	api.HandleFunc("POST /api/scan", h.scanLiteral)
	api.HandleFunc("POST /api/repeater", h.repeat)
	api.HandleFunc("GET /api/plugins", h.listPlugins)
	api.HandleFunc("POST /api/plugins/reload", h.reloadPlugins)
	api.HandleFunc("PUT /api/plugins/{id}/enabled", h.setPluginEnabled)
	api.HandleFunc("GET /api/proxy", h.proxyStatus)
	api.HandleFunc("POST /api/proxy/start", h.startProxy)
	api.HandleFunc("POST /api/proxy/stop", h.stopProxy)

	var apiHandler http.Handler = api
	if s.deps.Metrics != nil {
		apiHandler = s.deps.Metrics.Middleware(api)
		mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}
	mux.Handle("/api/", corsMiddleware(apiHandler))
	mux.HandleFunc("GET /ws", s.hub.serveWS)
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, indexHTML)
	})
	return mux
}

// RunHub feeds the websocket hub from the flow store until ctx ends. Start
// calls it; tests that only use Handler call it directly.
func (s *Server) RunHub(ctx context.Context) {
	s.hub.run(ctx, s.deps.Manager.Store())
}

// corsMiddleware adds permissive CORS headers (local tool).
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
