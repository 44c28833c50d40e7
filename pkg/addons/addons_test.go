package addons

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fidiego/proxylite/pkg/flow"
	"github.com/fidiego/proxylite/pkg/scan"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func completed(seq int64, method, url string, code int, body string) flow.Record {
	created := time.Now().Add(-42 * time.Millisecond)
	return flow.Record{
		Sequence:    seq,
		Identity:    flow.Identity("id-" + url),
		Host:        "example.test",
		Method:      method,
		URL:         url,
		StatusCode:  &code,
		RawResponse: &flow.RawResponse{StatusCode: code, Body: []byte(body)},
		Created:     created,
		Completed:   created.Add(42 * time.Millisecond),
	}
}

func TestLogAddon(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogAddon(&buf, true)

	l.OnResponse(completed(3, "POST", "http://example.test/api/users?page=2", 201, "hello"))
	line := buf.String()
	assert.Contains(t, line, "#3")
	assert.Contains(t, line, "POST")
	assert.Contains(t, line, "201 5 B")
	assert.Contains(t, line, "example.test")
	assert.Contains(t, line, "/api/users?page=2")
	assert.Contains(t, line, " 42ms")
	assert.NotContains(t, line, "\x1b[", "colour disabled")

	buf.Reset()
	l.OnReset()
	assert.Equal(t, "-- history cleared --\n", buf.String())
}

func TestLogAddonColour(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogAddon(&buf, false)
	l.OnResponse(completed(1, "GET", "http://example.test/", 503, ""))
	assert.Contains(t, buf.String(), "\x1b[31m503")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}

type memorySaver struct {
	mu    sync.Mutex
	saved []flow.Record
	err   error
}

func (m *memorySaver) Save(rec flow.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, rec)
	return m.err
}

func TestArchiveAddon(t *testing.T) {
	saver := &memorySaver{}
	a := NewArchiveAddon(saver, quietLogger())
	rec := flow.Record{Sequence: 1, Identity: "f1"}
	a.OnRequest(rec)
	a.OnResponse(completed(1, "GET", "http://example.test/", 200, ""))
	assert.Len(t, saver.saved, 2)

	saver.err = errors.New("disk full")
	assert.NotPanics(t, func() { a.OnRequest(rec) })
}

type stubScanner struct {
	mu      sync.Mutex
	calls   []string
	release chan struct{}
}

func (s *stubScanner) ScanAll(ctx context.Context, src scan.Source) ([]*scan.Result, error) {
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	s.calls = append(s.calls, src.Describe())
	s.mu.Unlock()
	return []*scan.Result{{Unit: "cors", Status: scan.StatusSuccess, Annotations: map[string]string{"k": "v"}}}, nil
}

func TestAutoScanAddon(t *testing.T) {
	scanner := &stubScanner{}
	var mu sync.Mutex
	got := map[int64]int{}
	a := NewAutoScanAddon(context.Background(), scanner, 2, func(rec flow.Record, results []*scan.Result) {
		mu.Lock()
		got[rec.Sequence] = len(results)
		mu.Unlock()
	}, quietLogger())

	a.OnResponse(completed(1, "GET", "http://example.test/a", 200, ""))
	a.Wait()
	a.OnResponse(completed(2, "GET", "http://example.test/b", 200, ""))
	a.Wait()

	assert.Equal(t, map[int64]int{1: 1, 2: 1}, got)
	assert.ElementsMatch(t, []string{"flow #1", "flow #2"}, scanner.calls)
	assert.Zero(t, a.Skipped())
}

func TestAutoScanAddonSkipsWhenSaturated(t *testing.T) {
	scanner := &stubScanner{release: make(chan struct{})}
	a := NewAutoScanAddon(context.Background(), scanner, 1, nil, quietLogger())

	a.OnResponse(completed(1, "GET", "http://example.test/a", 200, ""))
	a.OnResponse(completed(2, "GET", "http://example.test/b", 200, ""))
	assert.Equal(t, 1, a.Skipped())

	close(scanner.release)
	a.Wait()
	assert.Equal(t, []string{"flow #1"}, scanner.calls)
}

func TestAutoScanAddonStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	scanner := &stubScanner{}
	a := NewAutoScanAddon(ctx, scanner, 1, nil, quietLogger())
	a.OnResponse(completed(1, "GET", "http://example.test/a", 200, ""))
	a.Wait()
	require.Empty(t, scanner.calls)
}
