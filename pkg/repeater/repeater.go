// Package repeater replays requests edited by the operator as raw HTTP text.
package repeater

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/fidiego/proxylite/pkg/exchange"
	"github.com/fidiego/proxylite/pkg/flow"
)

var (
	ErrEmpty         = errors.New("empty request")
	ErrRequestLine   = errors.New("malformed request line")
	ErrMissingHost   = errors.New("host header missing and no referer to infer from")
	ErrNotReplayable = errors.New("tunnelled flows cannot be replayed")
)

// Parse reads raw request text: a request line (METHOD TARGET [VERSION]),
// headers, a blank line and an optional body. When TARGET is a path the
// scheme and host come from the Host header (https) or, failing that, from
// the Referer.
func Parse(text string) (*exchange.Request, error) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmpty
	}
	head, body, _ := strings.Cut(strings.TrimLeft(text, "\n"), "\n\n")

	sc := bufio.NewScanner(strings.NewReader(head))
	sc.Scan()
	fields := strings.Fields(sc.Text())
	if len(fields) < 2 || len(fields) > 3 {
		return nil, fmt.Errorf("%w: %q", ErrRequestLine, sc.Text())
	}
	req := &exchange.Request{
		Method: strings.ToUpper(fields[0]),
		Header: http.Header{},
		Proto:  "HTTP/1.1",
	}
	if len(fields) == 3 {
		req.Proto = fields[2]
	}
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		req.Header.Add(strings.TrimSpace(k), strings.TrimSpace(v))
	}
	if body != "" {
		req.Body = []byte(body)
	}

	target, err := resolve(fields[1], req.Header)
	if err != nil {
		return nil, err
	}
	req.URL = target
	return req, nil
}

func resolve(target string, h http.Header) (string, error) {
	if u, err := url.Parse(target); err == nil && u.Scheme != "" && u.Host != "" {
		return target, nil
	}
	if host := h.Get("Host"); host != "" {
		return "https://" + host + target, nil
	}
	if ref := h.Get("Referer"); ref != "" {
		if u, err := url.Parse(ref); err == nil && u.Host != "" {
			scheme := u.Scheme
			if scheme == "" {
				scheme = "https"
			}
			return scheme + "://" + u.Host + target, nil
		}
	}
	return "", ErrMissingHost
}

// Render formats a reply as "Status: N", headers and body.
func Render(resp *exchange.Response) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Status: %d\n", resp.StatusCode)
	keys := make([]string, 0, len(resp.Header))
	for k := range resp.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range resp.Header[k] {
			fmt.Fprintf(&b, "%s: %s\n", k, v)
		}
	}
	b.WriteString("\n")
	b.Write(resp.Body)
	return b.String()
}

// Repeater sends parsed or replayed requests through a Sender.
type Repeater struct {
	sender exchange.Sender
	log    *logrus.Entry
}

func New(sender exchange.Sender, log *logrus.Logger) *Repeater {
	if log == nil {
		log = logrus.New()
	}
	return &Repeater{sender: sender, log: log.WithField("component", "repeater")}
}

// Send parses text and issues it.
func (r *Repeater) Send(ctx context.Context, text string) (*exchange.Response, error) {
	req, err := Parse(text)
	if err != nil {
		return nil, err
	}
	return r.send(ctx, req)
}

// Replay re-issues the request half of a captured flow.
func (r *Repeater) Replay(ctx context.Context, rec flow.Record) (*exchange.Response, error) {
	if rec.Method == http.MethodConnect {
		return nil, ErrNotReplayable
	}
	req, _ := exchange.FromRecord(rec)
	// Hop-by-hop framing is recomputed by the client.
	req.Header.Del("Content-Length")
	req.Header.Del("Proxy-Connection")
	return r.send(ctx, req)
}

func (r *Repeater) send(ctx context.Context, req *exchange.Request) (*exchange.Response, error) {
	r.log.WithFields(logrus.Fields{"method": req.Method, "url": req.URL}).Debug("repeating request")
	return r.sender.Send(ctx, req)
}
