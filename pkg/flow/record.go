// Package flow correlates the request and response halves of intercepted
// exchanges into ordered history records.
package flow

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/pretty"
)

// Identity is the engine-issued key shared by the request and response
// halves of one exchange.
type Identity string

// RawRequest holds a snapshot of an HTTP request. It is never mutated after
// it has been handed to the store.
type RawRequest struct {
	Method        string      `json:"method"`
	URL           string      `json:"url"`
	Host          string      `json:"host"`
	Proto         string      `json:"proto"`
	Headers       http.Header `json:"headers"`
	Body          []byte      `json:"body,omitempty"`
	BodyTruncated bool        `json:"bodyTruncated,omitempty"`
}

// RawResponse holds a snapshot of an HTTP response.
type RawResponse struct {
	StatusCode    int         `json:"statusCode"`
	Proto         string      `json:"proto"`
	Headers       http.Header `json:"headers"`
	Body          []byte      `json:"body,omitempty"`
	BodyTruncated bool        `json:"bodyTruncated,omitempty"`
}

// Record is one correlated exchange. Values returned by the Store are
// copies; only StatusCode, RawResponse and Completed change after creation.
type Record struct {
	Sequence int64    `json:"sequence"`
	Identity Identity `json:"identity"`
	Host     string   `json:"host"`
	Method   string   `json:"method"`
	URL      string   `json:"url"`

	// StatusCode is nil while the response is pending.
	StatusCode *int `json:"statusCode,omitempty"`

	RawRequest  *RawRequest  `json:"rawRequest,omitempty"`
	RawResponse *RawResponse `json:"rawResponse,omitempty"`

	Created   time.Time `json:"created"`
	Completed time.Time `json:"completed,omitempty"`
}

// Pending reports whether the response phase has not been observed yet.
func (r Record) Pending() bool { return r.StatusCode == nil }

// Status returns the response status code and whether it is known.
func (r Record) Status() (int, bool) {
	if r.StatusCode == nil {
		return 0, false
	}
	return *r.StatusCode, true
}

// Duration returns elapsed time from creation to response, or to now if the
// record is still pending.
func (r Record) Duration() time.Duration {
	if !r.Completed.IsZero() {
		return r.Completed.Sub(r.Created)
	}
	return time.Since(r.Created)
}

// RequestText renders the request half as an HTTP/1.x style message.
func (r Record) RequestText() string {
	if r.RawRequest == nil {
		return fmt.Sprintf("%s %s\n", r.Method, r.URL)
	}
	return r.RawRequest.Text()
}

// ResponseText renders the response half, or a placeholder while pending.
func (r Record) ResponseText() string {
	if r.RawResponse == nil {
		return "No response captured.\n"
	}
	return r.RawResponse.Text()
}

// Text renders the request line, headers and body.
func (q *RawRequest) Text() string {
	var b strings.Builder
	proto := q.Proto
	if proto == "" {
		proto = "HTTP/1.1"
	}
	fmt.Fprintf(&b, "%s %s %s\n", q.Method, q.URL, proto)
	writeHeaders(&b, q.Headers)
	b.WriteString("\n")
	b.WriteString(bodyText(q.Headers, q.Body, q.BodyTruncated))
	return b.String()
}

// Text renders the status line, headers and body.
func (p *RawResponse) Text() string {
	var b strings.Builder
	proto := p.Proto
	if proto == "" {
		proto = "HTTP/1.1"
	}
	fmt.Fprintf(&b, "%s %d %s\n", proto, p.StatusCode, http.StatusText(p.StatusCode))
	writeHeaders(&b, p.Headers)
	b.WriteString("\n")
	b.WriteString(bodyText(p.Headers, p.Body, p.BodyTruncated))
	return b.String()
}

// writeHeaders writes headers sorted by name so renderings are stable.
func writeHeaders(b *strings.Builder, h http.Header) {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range h[k] {
			fmt.Fprintf(b, "%s: %s\n", k, v)
		}
	}
}

func bodyText(h http.Header, body []byte, truncated bool) string {
	if len(body) == 0 {
		return ""
	}
	out := body
	if strings.Contains(strings.ToLower(h.Get("Content-Type")), "json") && json.Valid(body) {
		out = pretty.Pretty(body)
	}
	s := string(out)
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	if truncated {
		s += "… (truncated)\n"
	}
	return s
}
