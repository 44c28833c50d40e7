package exchange

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultMaxBody caps how much of an outbound response body is kept.
const DefaultMaxBody = 1 << 20

// HTTPSender is a Sender backed by an http.Client. Redirects are not followed
// so plugins observe the upstream's first answer.
type HTTPSender struct {
	Client  *http.Client
	MaxBody int64
}

// NewHTTPSender returns a sender with a per-request timeout. A zero timeout
// leaves cancellation entirely to the caller's context.
func NewHTTPSender(timeout time.Duration, maxBody int64) *HTTPSender {
	if maxBody <= 0 {
		maxBody = DefaultMaxBody
	}
	return &HTTPSender{
		Client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		MaxBody: maxBody,
	}
}

// Send implements Sender.
func (s *HTTPSender) Send(ctx context.Context, req *Request) (*Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	hreq.Header = req.Header.Clone()
	if host := hreq.Header.Get("Host"); host != "" {
		hreq.Host = host
		hreq.Header.Del("Host")
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	hresp, err := client.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("send %s %s: %w", req.Method, req.URL, err)
	}
	defer hresp.Body.Close()

	limit := s.MaxBody
	if limit <= 0 {
		limit = DefaultMaxBody
	}
	data, err := io.ReadAll(io.LimitReader(hresp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &Response{
		StatusCode: hresp.StatusCode,
		Header:     hresp.Header.Clone(),
		Body:       data,
		Proto:      hresp.Proto,
		Captured:   true,
	}, nil
}
