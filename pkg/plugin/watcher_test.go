package plugin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "cors.js", corsScript)

	r := NewRegistry(quietLogger())
	require.NoError(t, r.Discover(context.Background(), dir))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Watch(ctx, 20*time.Millisecond) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "extra.js", `var name = "Extra"; function run() {}`)

	assert.Eventually(t, func() bool {
		_, ok := r.Get("extra")
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatchRequiresDiscovery(t *testing.T) {
	r := NewRegistry(quietLogger())
	assert.Error(t, r.Watch(context.Background(), 0))
}
