package proxy

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fidiego/proxylite/pkg/flow"
)

type recordingAddon struct {
	mu     sync.Mutex
	events []string
}

func (a *recordingAddon) add(s string) {
	a.mu.Lock()
	a.events = append(a.events, s)
	a.mu.Unlock()
}

func (a *recordingAddon) OnRequest(rec flow.Record)  { a.add("request " + string(rec.Identity)) }
func (a *recordingAddon) OnResponse(rec flow.Record) { a.add("response " + string(rec.Identity)) }
func (a *recordingAddon) OnReset()                   { a.add("reset") }

func (a *recordingAddon) snapshot() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.events...)
}

type panickyAddon struct{}

func (panickyAddon) OnRequest(flow.Record) { panic("addon bug") }

type requestOnly struct{ n int }

func (r *requestOnly) OnRequest(flow.Record) { r.n++ }

func TestAddonManagerDispatch(t *testing.T) {
	rec := &recordingAddon{}
	only := &requestOnly{}
	m := NewAddonManager(quietLogger())
	m.Add(panickyAddon{}, rec, only)
	assert.Equal(t, 3, m.Len())

	m.Fire(flow.Event{Type: flow.EventRequest, Record: flow.Record{Identity: "a"}})
	m.Fire(flow.Event{Type: flow.EventResponse, Record: flow.Record{Identity: "a"}})
	m.Fire(flow.Event{Type: flow.EventReset})

	assert.Equal(t, []string{"request a", "response a", "reset"}, rec.snapshot())
	assert.Equal(t, 1, only.n)
}

func TestAddonManagerRunFollowsStore(t *testing.T) {
	store := flow.NewStore(quietLogger())
	rec := &recordingAddon{}
	m := NewAddonManager(quietLogger())
	m.Add(rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, store) }()

	// Run subscribes asynchronously; retry until the first event lands.
	rounds := 0
	require.Eventually(t, func() bool {
		rounds++
		store.RecordRequest(flow.Identity(fmt.Sprintf("round-%d", rounds)), "h", "GET", "/", nil)
		return len(rec.snapshot()) > 0
	}, 2*time.Second, 10*time.Millisecond)

	store.RecordRequest("f1", "h", "GET", "/", nil)
	store.RecordResponse("f1", 200, nil)
	assert.Eventually(t, func() bool {
		ev := rec.snapshot()
		return len(ev) >= 2 && ev[len(ev)-1] == "response f1" && ev[len(ev)-2] == "request f1"
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
