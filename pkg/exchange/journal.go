package exchange

import (
	"context"
	"fmt"
	"sync"
)

// Journal collects log lines written by a plugin during one invocation.
type Journal struct {
	mu    sync.Mutex
	lines []string
}

// Printf appends a formatted line.
func (j *Journal) Printf(format string, args ...any) {
	j.Println(fmt.Sprintf(format, args...))
}

// Println appends a line built like fmt.Sprint.
func (j *Journal) Println(args ...any) {
	if j == nil {
		return
	}
	j.mu.Lock()
	j.lines = append(j.lines, fmt.Sprint(args...))
	j.mu.Unlock()
}

// Lines returns a copy of the collected lines.
func (j *Journal) Lines() []string {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.lines...)
}

type journalKey struct{}

// WithJournal returns a context carrying j.
func WithJournal(ctx context.Context, j *Journal) context.Context {
	return context.WithValue(ctx, journalKey{}, j)
}

// JournalFrom returns the journal carried by ctx. The result may be nil, and
// a nil Journal discards writes.
func JournalFrom(ctx context.Context) *Journal {
	j, _ := ctx.Value(journalKey{}).(*Journal)
	return j
}
