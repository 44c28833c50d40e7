package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fidiego/proxylite/pkg/exchange"
	"github.com/fidiego/proxylite/pkg/filter"
	"github.com/fidiego/proxylite/pkg/flow"
	"github.com/fidiego/proxylite/pkg/plugin"
	"github.com/fidiego/proxylite/pkg/proxy"
	"github.com/fidiego/proxylite/pkg/repeater"
	"github.com/fidiego/proxylite/pkg/scan"
)

const maxRequestBody = 4 << 20

type handlers struct {
	deps Deps
	log  *logrus.Entry
}

// flowSummary is the list/websocket view of a record; bodies are fetched
// separately through /raw.
type flowSummary struct {
	Sequence   int64     `json:"sequence"`
	Identity   string    `json:"identity"`
	Host       string    `json:"host"`
	Method     string    `json:"method"`
	URL        string    `json:"url"`
	StatusCode *int      `json:"statusCode,omitempty"`
	DurationMS int64     `json:"durationMs"`
	Created    time.Time `json:"created"`
}

func summarize(rec flow.Record) flowSummary {
	s := flowSummary{
		Sequence:   rec.Sequence,
		Identity:   string(rec.Identity),
		Host:       rec.Host,
		Method:     rec.Method,
		URL:        rec.URL,
		StatusCode: rec.StatusCode,
		Created:    rec.Created,
	}
	if !rec.Pending() {
		s.DurationMS = rec.Duration().Milliseconds()
	}
	return s
}

func (h *handlers) store() *flow.Store { return h.deps.Manager.Store() }

func (h *handlers) listFlows(w http.ResponseWriter, r *http.Request) {
	f, err := filter.Parse(r.URL.Query().Get("filter"))
	if err != nil {
		jsonError(w, http.StatusBadRequest, err)
		return
	}
	out := []flowSummary{}
	for rec := range h.store().All() {
		if f(rec) {
			out = append(out, summarize(rec))
		}
	}
	jsonOK(w, out)
}

func (h *handlers) record(w http.ResponseWriter, r *http.Request) (flow.Record, bool) {
	seq, err := strconv.ParseInt(r.PathValue("seq"), 10, 64)
	if err != nil {
		jsonError(w, http.StatusBadRequest, fmt.Errorf("invalid flow sequence %q", r.PathValue("seq")))
		return flow.Record{}, false
	}
	rec, ok := h.store().Get(seq)
	if !ok {
		jsonError(w, http.StatusNotFound, fmt.Errorf("%w: #%d", flow.ErrNotFound, seq))
		return flow.Record{}, false
	}
	return rec, true
}

func (h *handlers) getFlow(w http.ResponseWriter, r *http.Request) {
	if rec, ok := h.record(w, r); ok {
		jsonOK(w, rec)
	}
}

func (h *handlers) getFlowRaw(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.record(w, r)
	if !ok {
		return
	}
	jsonOK(w, map[string]string{
		"request":  rec.RequestText(),
		"response": rec.ResponseText(),
	})
}

func (h *handlers) resetFlows(w http.ResponseWriter, _ *http.Request) {
	if err := h.deps.Manager.Reset(); err != nil {
		jsonError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type scanRequest struct {
	// Plugin is an id, name or fuzzy query. Empty runs every enabled plugin.
	Plugin  string            `json:"plugin"`
	Literal *exchange.Literal `json:"request,omitempty"`
}

func (h *handlers) scanFlow(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.record(w, r)
	if !ok {
		return
	}
	var req scanRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	h.runScan(r.Context(), w, scan.FromRecord(rec), req.Plugin)
}

func (h *handlers) scanLiteral(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Literal == nil || req.Literal.URL == "" {
		jsonError(w, http.StatusBadRequest, errors.New("request.url is required"))
		return
	}
	h.runScan(r.Context(), w, scan.FromLiteral(*req.Literal), req.Plugin)
}

func (h *handlers) runScan(ctx context.Context, w http.ResponseWriter, src scan.Source, query string) {
	if query == "" {
		results, err := h.deps.Scanner.ScanAll(ctx, src)
		if err != nil {
			jsonError(w, statusFor(err), err)
			return
		}
		jsonOK(w, results)
		return
	}
	u, err := h.deps.Plugins.Match(query)
	if err != nil {
		jsonError(w, statusFor(err), err)
		return
	}
	res, err := h.deps.Scanner.Scan(ctx, src, u.ID)
	if err != nil {
		jsonError(w, statusFor(err), err)
		return
	}
	jsonOK(w, []*scan.Result{res})
}

type replyView struct {
	StatusCode int    `json:"statusCode"`
	Text       string `json:"text"`
}

func (h *handlers) replayFlow(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.record(w, r)
	if !ok {
		return
	}
	resp, err := h.deps.Repeater.Replay(r.Context(), rec)
	if err != nil {
		jsonError(w, statusFor(err), err)
		return
	}
	jsonOK(w, replyView{StatusCode: resp.StatusCode, Text: repeater.Render(resp)})
}

func (h *handlers) repeat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if !decode(w, r, &req) {
		return
	}
	resp, err := h.deps.Repeater.Send(r.Context(), req.Text)
	if err != nil {
		jsonError(w, statusFor(err), err)
		return
	}
	jsonOK(w, replyView{StatusCode: resp.StatusCode, Text: repeater.Render(resp)})
}

type failureView struct {
	Unit   string `json:"unit"`
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

func (h *handlers) pluginsView() map[string]any {
	failures := []failureView{}
	for _, f := range h.deps.Plugins.Failures() {
		failures = append(failures, failureView{Unit: f.Unit, Path: f.Path, Reason: f.Reason()})
	}
	return map[string]any{
		"plugins":  h.deps.Plugins.List(),
		"failures": failures,
		"active":   h.deps.Scanner.ActiveScans(),
	}
}

func (h *handlers) listPlugins(w http.ResponseWriter, _ *http.Request) {
	jsonOK(w, h.pluginsView())
}

func (h *handlers) reloadPlugins(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Plugins.Reload(r.Context()); err != nil {
		jsonError(w, http.StatusInternalServerError, err)
		return
	}
	jsonOK(w, h.pluginsView())
}

func (h *handlers) setPluginEnabled(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		jsonError(w, http.StatusBadRequest, errors.New("enabled is required"))
		return
	}
	id := r.PathValue("id")
	if err := h.deps.Plugins.SetEnabled(id, *req.Enabled); err != nil {
		jsonError(w, statusFor(err), err)
		return
	}
	u, _ := h.deps.Plugins.Get(id)
	jsonOK(w, u)
}

func (h *handlers) proxyStatus(w http.ResponseWriter, _ *http.Request) {
	info, _ := h.deps.Manager.Session()
	jsonOK(w, map[string]any{
		"session": info,
		"flows":   h.store().Count(),
	})
}

func (h *handlers) startProxy(w http.ResponseWriter, _ *http.Request) {
	status, err := h.deps.Manager.Start(h.deps.ProxyConfig)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err)
		return
	}
	info, _ := h.deps.Manager.Session()
	jsonOK(w, map[string]any{"status": status, "session": info})
}

func (h *handlers) stopProxy(w http.ResponseWriter, r *http.Request) {
	status, err := h.deps.Manager.Stop(r.Context())
	if err != nil {
		h.log.Warnf("Stop: %v", err)
		jsonError(w, http.StatusInternalServerError, err)
		return
	}
	jsonOK(w, map[string]any{"status": status})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, flow.ErrNotFound), errors.Is(err, plugin.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, proxy.ErrRunning), errors.Is(err, scan.ErrPluginDisabled):
		return http.StatusConflict
	case errors.Is(err, repeater.ErrEmpty), errors.Is(err, repeater.ErrRequestLine),
		errors.Is(err, repeater.ErrMissingHost), errors.Is(err, repeater.ErrNotReplayable):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(v); err != nil {
		jsonError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", err))
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	return decode(w, r, v)
}

func jsonOK(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
