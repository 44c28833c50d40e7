// Package exchange provides the request and response views handed to plugin
// entry points. A view is built fresh for every invocation, either from a
// captured flow record or from literal values supplied by an operator.
package exchange

import (
	"context"
	"errors"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/fidiego/proxylite/pkg/flow"
)

// ErrSendNotPermitted is returned by Request.Send when the invocation was not
// granted an outbound Sender.
var ErrSendNotPermitted = errors.New("outbound requests are not permitted for this scan")

// Sender issues outbound requests on behalf of active-testing plugins.
type Sender interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// Request is the request half of an execution context.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
	Proto  string

	sender Sender
}

// Response is the response half of an execution context. Captured is false
// when the source flow had no response yet.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Proto      string
	Captured   bool

	mu          sync.Mutex
	annotations map[string]string
}

// Option customises views at construction time.
type Option func(*Request)

// WithSender grants the outbound capability to the request and every copy of
// it. A nil sender leaves the capability withheld.
func WithSender(s Sender) Option {
	return func(r *Request) { r.sender = s }
}

// Literal holds operator-supplied values for an ad hoc scan.
type Literal struct {
	Method         string            `json:"method"`
	URL            string            `json:"url"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           string            `json:"body,omitempty"`
	StatusCode     int               `json:"statusCode,omitempty"`
	ResponseHeader map[string]string `json:"responseHeaders,omitempty"`
	ResponseBody   string            `json:"responseBody,omitempty"`
}

// FromRecord builds views over a captured record. Headers and bodies are
// copied so the record held by the store is never reachable from a plugin.
func FromRecord(rec flow.Record, opts ...Option) (*Request, *Response) {
	req := &Request{
		Method: rec.Method,
		URL:    rec.URL,
		Header: http.Header{},
	}
	if raw := rec.RawRequest; raw != nil {
		req.Header = raw.Headers.Clone()
		req.Body = cloneBytes(raw.Body)
		req.Proto = raw.Proto
	}
	if req.Header == nil {
		req.Header = http.Header{}
	}
	apply(req, opts)

	resp := &Response{Header: http.Header{}}
	if code, ok := rec.Status(); ok {
		resp.StatusCode = code
		resp.Captured = true
	}
	if raw := rec.RawResponse; raw != nil {
		if h := raw.Headers.Clone(); h != nil {
			resp.Header = h
		}
		resp.Body = cloneBytes(raw.Body)
		resp.Proto = raw.Proto
	}
	return req, resp
}

// FromLiteral builds views over operator-supplied values. A missing method
// defaults to GET. The response counts as captured when a status is given.
func FromLiteral(l Literal, opts ...Option) (*Request, *Response) {
	method := strings.ToUpper(strings.TrimSpace(l.Method))
	if method == "" {
		method = http.MethodGet
	}
	req := &Request{
		Method: method,
		URL:    l.URL,
		Header: headerFromMap(l.Headers),
		Body:   []byte(l.Body),
	}
	apply(req, opts)

	resp := &Response{
		StatusCode: l.StatusCode,
		Header:     headerFromMap(l.ResponseHeader),
		Body:       []byte(l.ResponseBody),
		Captured:   l.StatusCode != 0,
	}
	return req, resp
}

func apply(r *Request, opts []Option) {
	for _, opt := range opts {
		opt(r)
	}
}

// Host returns the host portion of the request URL, falling back to the Host
// header.
func (r *Request) Host() string {
	if u, err := url.Parse(r.URL); err == nil && u.Host != "" {
		return u.Host
	}
	return r.Header.Get("Host")
}

// Text returns the request body as a string.
func (r *Request) Text() string { return string(r.Body) }

// Raw renders the request as a flow snapshot, for display and repeating.
func (r *Request) Raw() *flow.RawRequest {
	return &flow.RawRequest{
		Method:  r.Method,
		URL:     r.URL,
		Host:    r.Host(),
		Proto:   r.Proto,
		Headers: r.Header.Clone(),
		Body:    cloneBytes(r.Body),
	}
}

// Clone returns a deep copy that keeps the outbound capability, if any.
func (r *Request) Clone() *Request {
	return &Request{
		Method: r.Method,
		URL:    r.URL,
		Header: r.Header.Clone(),
		Body:   cloneBytes(r.Body),
		Proto:  r.Proto,
		sender: r.sender,
	}
}

// CanSend reports whether Send is permitted.
func (r *Request) CanSend() bool { return r.sender != nil }

// Send issues r through the granted Sender.
func (r *Request) Send(ctx context.Context) (*Response, error) {
	if r.sender == nil {
		return nil, ErrSendNotPermitted
	}
	return r.sender.Send(ctx, r)
}

// Text returns the response body as a string.
func (p *Response) Text() string { return string(p.Body) }

// Raw renders the response as a flow snapshot.
func (p *Response) Raw() *flow.RawResponse {
	return &flow.RawResponse{
		StatusCode: p.StatusCode,
		Proto:      p.Proto,
		Headers:    p.Header.Clone(),
		Body:       cloneBytes(p.Body),
	}
}

// Annotate attaches a side-channel marker that is returned with the scan
// result. Later values for the same key win.
func (p *Response) Annotate(key, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.annotations == nil {
		p.annotations = make(map[string]string)
	}
	p.annotations[key] = value
}

// Annotations returns a copy of the markers attached so far.
func (p *Response) Annotations() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.annotations) == 0 {
		return nil
	}
	return maps.Clone(p.annotations)
}

func headerFromMap(m map[string]string) http.Header {
	h := make(http.Header, len(m))
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
