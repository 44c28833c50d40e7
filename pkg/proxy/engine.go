package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/fidiego/proxylite/pkg/flow"
)

type contextKey string

const identityContextKey contextKey = "flow-identity"

// HTTPEngine is the built-in interception engine. Absolute-URI requests are
// forwarded, CONNECT requests are tunnelled without inspection, and when
// upstreams are configured origin-form requests are reverse-proxied by path
// prefix.
type HTTPEngine struct {
	handler Handler
	router  *Router
	proxies map[string]*httputil.ReverseProxy
	forward *httputil.ReverseProxy
	opts    Options
	server  *http.Server
	log     *logrus.Entry

	mu      sync.Mutex
	tunnels map[net.Conn]struct{}
}

// HTTPEngineFactory returns an EngineFactory for the built-in engine.
func HTTPEngineFactory(log *logrus.Logger) EngineFactory {
	return func(cfg Config, h Handler) (Engine, error) {
		return NewHTTPEngine(cfg, h, log)
	}
}

// NewHTTPEngine creates an engine that reports captured traffic to h.
func NewHTTPEngine(cfg Config, h Handler, log *logrus.Logger) (*HTTPEngine, error) {
	cfg.setDefaults()
	if log == nil {
		log = logrus.New()
	}

	router, err := NewRouter(cfg.Options.Upstreams)
	if err != nil {
		return nil, err
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil // never chain to an environment proxy

	e := &HTTPEngine{
		handler: h,
		router:  router,
		proxies: make(map[string]*httputil.ReverseProxy),
		opts:    cfg.Options,
		log:     log.WithField("component", "engine"),
		tunnels: make(map[net.Conn]struct{}),
	}
	for i := range router.routes {
		u := &router.routes[i]
		e.proxies[u.Name] = &httputil.ReverseProxy{
			Director:       Director(u),
			Transport:      transport,
			ModifyResponse: e.modifyResponse,
			ErrorHandler:   e.errorHandler,
			FlushInterval:  -1, // flush immediately for streaming support
		}
	}
	e.forward = &httputil.ReverseProxy{
		Director:       forwardDirector,
		Transport:      transport,
		ModifyResponse: e.modifyResponse,
		ErrorHandler:   e.errorHandler,
		FlushInterval:  -1,
	}
	e.server = &http.Server{
		Handler:           e,
		ReadHeaderTimeout: 30 * time.Second,
	}
	return e, nil
}

// Router returns the reverse-proxy routing table.
func (e *HTTPEngine) Router() *Router { return e.router }

// Serve implements Engine.
func (e *HTTPEngine) Serve(ln net.Listener) error {
	if err := e.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("proxy server: %w", err)
	}
	return nil
}

// Shutdown implements Engine. Tunnels are hijacked connections the server no
// longer tracks, so they are closed here.
func (e *HTTPEngine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for c := range e.tunnels {
		_ = c.Close()
	}
	e.mu.Unlock()
	return e.server.Shutdown(ctx)
}

// ServeHTTP implements http.Handler. It is the main proxy entry point.
func (e *HTTPEngine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		e.tunnel(w, r)
		return
	}

	var proxy *httputil.ReverseProxy
	switch {
	case r.URL.IsAbs():
		proxy = e.forward
	case len(e.proxies) > 0:
		upstream := e.router.Match(r)
		if upstream == nil {
			http.Error(w, "no upstream matched", http.StatusBadGateway)
			return
		}
		proxy = e.proxies[upstream.Name]
	default:
		http.Error(w, "this is a proxy: send absolute-URI requests or configure upstreams", http.StatusBadRequest)
		return
	}

	id := flow.Identity(uuid.NewString())
	raw, err := captureRequest(r, e.opts.MaxBodySize)
	if err != nil {
		http.Error(w, "internal proxy error", http.StatusInternalServerError)
		return
	}
	e.handler.OnRequestObserved(id, raw.Host, r.Method, raw.URL, raw)

	// Carry the identity to modifyResponse so both phases share it.
	r = r.WithContext(context.WithValue(r.Context(), identityContextKey, id))
	proxy.ServeHTTP(w, r)
}

// modifyResponse is called by the reverse proxy with the upstream response.
func (e *HTTPEngine) modifyResponse(resp *http.Response) error {
	id, ok := resp.Request.Context().Value(identityContextKey).(flow.Identity)
	if !ok {
		return nil
	}
	raw, err := captureResponse(resp, e.opts.MaxBodySize)
	if err != nil {
		// Don't fail the proxy; just mark the body capture as failed.
		raw.Body = nil
		raw.BodyTruncated = true
	}
	e.handler.OnResponseObserved(id, resp.StatusCode, raw)
	return nil
}

// errorHandler is called when the upstream is unreachable. No response phase
// is reported, so the record stays pending.
func (e *HTTPEngine) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	if id, ok := r.Context().Value(identityContextKey).(flow.Identity); ok {
		e.log.WithField("identity", id).Debugf("upstream error: %v", err)
	}
	http.Error(w, fmt.Sprintf("upstream error: %v", err), http.StatusBadGateway)
}

// tunnel relays a CONNECT request. TLS is not terminated, so the flow records
// only the CONNECT exchange itself.
func (e *HTTPEngine) tunnel(w http.ResponseWriter, r *http.Request) {
	id := flow.Identity(uuid.NewString())
	target := r.Host
	e.handler.OnRequestObserved(id, target, r.Method, target, &flow.RawRequest{
		Method:  r.Method,
		URL:     target,
		Host:    target,
		Proto:   r.Proto,
		Headers: r.Header.Clone(),
	})

	hj, ok := w.(http.Hijacker)
	if !ok {
		e.handler.OnResponseObserved(id, http.StatusInternalServerError, nil)
		http.Error(w, "tunnelling not supported", http.StatusInternalServerError)
		return
	}
	upstream, err := net.DialTimeout("tcp", target, DefaultDialTimeout)
	if err != nil {
		e.handler.OnResponseObserved(id, http.StatusBadGateway, nil)
		http.Error(w, fmt.Sprintf("upstream error: %v", err), http.StatusBadGateway)
		return
	}
	client, buf, err := hj.Hijack()
	if err != nil {
		upstream.Close()
		e.handler.OnResponseObserved(id, http.StatusInternalServerError, nil)
		return
	}
	if _, err := client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		client.Close()
		upstream.Close()
		return
	}
	e.handler.OnResponseObserved(id, http.StatusOK, &flow.RawResponse{
		StatusCode: http.StatusOK,
		Proto:      "HTTP/1.1",
		Headers:    http.Header{},
	})

	e.track(client, upstream)
	defer e.untrack(client, upstream)

	var g errgroup.Group
	g.Go(func() error {
		// Bytes the client sent after the CONNECT line may already be buffered.
		if n := buf.Reader.Buffered(); n > 0 {
			pending, _ := buf.Reader.Peek(n)
			if _, err := upstream.Write(pending); err != nil {
				return err
			}
		}
		_, err := io.Copy(upstream, client)
		closeWrite(upstream)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(client, upstream)
		closeWrite(client)
		return err
	})
	_ = g.Wait()
}

func (e *HTTPEngine) track(conns ...net.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range conns {
		e.tunnels[c] = struct{}{}
	}
}

func (e *HTTPEngine) untrack(conns ...net.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range conns {
		delete(e.tunnels, c)
		_ = c.Close()
	}
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}

// forwardDirector prepares an absolute-URI proxy request for the upstream.
func forwardDirector(req *http.Request) {
	req.Host = req.URL.Host
}

// captureRequest snapshots r, reading up to maxBytes of the body and putting
// it back so the request can still be forwarded.
func captureRequest(r *http.Request, maxBytes int64) (*flow.RawRequest, error) {
	raw := &flow.RawRequest{
		Method:  r.Method,
		URL:     requestURL(r),
		Host:    r.Host,
		Proto:   r.Proto,
		Headers: r.Header.Clone(),
	}
	if raw.Host == "" {
		raw.Host = r.URL.Host
	}
	if r.Body == nil || r.Body == http.NoBody {
		return raw, nil
	}
	body, rest, truncated, err := readLimited(r.Body, maxBytes)
	if err != nil {
		return nil, err
	}
	r.Body = rest
	raw.Body = body
	raw.BodyTruncated = truncated
	return raw, nil
}

// captureResponse snapshots resp the same way.
func captureResponse(resp *http.Response, maxBytes int64) (*flow.RawResponse, error) {
	raw := &flow.RawResponse{
		StatusCode: resp.StatusCode,
		Proto:      resp.Proto,
		Headers:    resp.Header.Clone(),
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return raw, nil
	}
	body, rest, truncated, err := readLimited(resp.Body, maxBytes)
	if err != nil {
		return raw, err
	}
	resp.Body = rest
	raw.Body = body
	raw.BodyTruncated = truncated
	return raw, nil
}

// readLimited reads at most maxBytes from rc for the snapshot and returns a
// replacement body that still yields the complete stream.
func readLimited(rc io.ReadCloser, maxBytes int64) ([]byte, io.ReadCloser, bool, error) {
	data, err := io.ReadAll(io.LimitReader(rc, maxBytes+1))
	if err != nil {
		rc.Close()
		return nil, nil, false, err
	}
	if int64(len(data)) <= maxBytes {
		rc.Close()
		return data, io.NopCloser(bytes.NewReader(data)), false, nil
	}
	rest := struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(data), rc), rc}
	return data[:maxBytes], rest, true, nil
}

// requestURL returns the absolute URL the client asked for.
func requestURL(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
