package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fidiego/proxylite/pkg/exchange"
)

func noop(context.Context, *exchange.Request, *exchange.Response) error { return nil }

func TestDiscoverIsolatesBrokenUnit(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "cors.js", corsScript)
	writeFile(t, dir, "broken.js", "function run(request, response) {")

	r := NewRegistry(quietLogger())
	require.NoError(t, r.Discover(context.Background(), dir))

	units := r.List()
	require.Len(t, units, 1)
	assert.Equal(t, "cors", units[0].ID)
	assert.Equal(t, "CORS Misconfiguration Scanner", units[0].Name)
	assert.True(t, units[0].Enabled)

	failures := r.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "broken", failures[0].Unit)
	assert.ErrorIs(t, &failures[0], ErrLoadFailed)
}

func TestDiscoverLayouts(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bof_tester/index.js", `var name = "Buffer Overflow Tester"; function run(req, resp) {}`)
	writeFile(t, dir, "bof_tester/plugin.yaml", "name: BOF Tester\nauthor: someone\nversion: 1.2.0\n")
	writeFile(t, dir, "bare.js", `function run() {}`)
	writeFile(t, dir, "no_run.js", `var name = "nothing to run";`)
	writeFile(t, dir, "throws.js", `throw new Error("boom at load");`)
	writeFile(t, dir, "manifest_only/plugin.yaml", "name: Missing Entry\n")
	writeFile(t, dir, "assets/readme.txt", "not a plugin")
	writeFile(t, dir, "README.md", "# plugins")
	writeFile(t, dir, ".hidden.js", `function run() {}`)

	r := NewRegistry(quietLogger())
	require.NoError(t, r.Discover(context.Background(), dir))

	units := r.List()
	require.Len(t, units, 2)
	assert.Equal(t, "bare", units[0].ID)
	assert.Equal(t, "bare", units[0].Name)
	assert.Equal(t, DefaultDescription, units[0].Description)
	assert.Equal(t, DefaultAuthor, units[0].Author)

	bof := units[1]
	assert.Equal(t, "bof_tester", bof.ID)
	assert.Equal(t, "BOF Tester", bof.Name, "manifest overrides script globals")
	assert.Equal(t, "someone", bof.Author)
	assert.Equal(t, "1.2.0", bof.Version)

	reasons := map[string]error{}
	for _, f := range r.Failures() {
		reasons[f.Unit] = f.Err
	}
	assert.Len(t, reasons, 3)
	assert.ErrorIs(t, reasons["no_run"], ErrNoEntryPoint)
	assert.ErrorIs(t, reasons["manifest_only"], ErrNoEntryPoint)
	assert.Contains(t, reasons["throws"].Error(), "boom at load")
}

func TestDiscoverUnreadableDirectory(t *testing.T) {
	r := NewRegistry(quietLogger())
	err := r.Discover(context.Background(), filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
	assert.Empty(t, r.List())
}

func TestReloadResetsEnabledByDefault(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "cors.js", corsScript)
	ctx := context.Background()

	r := NewRegistry(quietLogger())
	require.NoError(t, r.Discover(ctx, dir))
	require.NoError(t, r.SetEnabled("cors", false))
	u, _ := r.Get("cors")
	assert.False(t, u.Enabled)

	require.NoError(t, r.Reload(ctx))
	u, _ = r.Get("cors")
	assert.True(t, u.Enabled)
}

func TestReloadPreservesEnabled(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "cors.js", corsScript)
	ctx := context.Background()

	r := NewRegistry(quietLogger(), PreserveState(true))
	require.NoError(t, r.Discover(ctx, dir))
	require.NoError(t, r.SetEnabled("cors", false))
	require.NoError(t, r.Reload(ctx))
	u, _ := r.Get("cors")
	assert.False(t, u.Enabled)
}

func TestReloadConcurrentWithSetEnabled(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "cors.js", corsScript)
	ctx := context.Background()

	r := NewRegistry(quietLogger(), PreserveState(true))
	require.NoError(t, r.Discover(ctx, dir))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			assert.NoError(t, r.Reload(ctx))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			assert.NoError(t, r.SetEnabled("cors", i%2 == 0))
		}
	}()
	wg.Wait()

	// The last toggle survives every later reload.
	require.NoError(t, r.SetEnabled("cors", false))
	require.NoError(t, r.Reload(ctx))
	u, ok := r.Get("cors")
	require.True(t, ok)
	assert.False(t, u.Enabled)
}

func TestReloadKeepsLastGoodInstance(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.js", `var name = "A v1"; function run() {}`)
	writeFile(t, dir, "b.js", `var name = "B v1"; function run() {}`)
	writeFile(t, dir, "gone.js", `function run() {}`)
	ctx := context.Background()

	r := NewRegistry(quietLogger())
	require.NoError(t, r.Discover(ctx, dir))
	require.Len(t, r.List(), 3)

	writeFile(t, dir, "a.js", `var name = "A v2"; function run( {`)
	writeFile(t, dir, "b.js", `var name = "B v2"; function run() {}`)
	writeFile(t, dir, "c.js", `var name = "C"; function run() {}`)
	require.NoError(t, os.Remove(filepath.Join(dir, "gone.js")))
	require.NoError(t, r.Reload(ctx))

	a, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, "A v1", a.Name)
	b, _ := r.Get("b")
	assert.Equal(t, "B v2", b.Name)
	_, ok = r.Get("c")
	assert.True(t, ok)
	_, ok = r.Get("gone")
	assert.False(t, ok, "deleted source drops the unit")

	failures := r.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "a", failures[0].Unit)
}

func TestReloadWithoutDiscover(t *testing.T) {
	r := NewRegistry(quietLogger())
	assert.Error(t, r.Reload(context.Background()))
}

type stubLoader struct{ err error }

func (s stubLoader) Load(_ context.Context, src Source) (*Unit, error) {
	if s.err != nil {
		return nil, s.err
	}
	if src.ID == "panics" {
		panic("loader exploded")
	}
	return &Unit{Name: "stub " + src.ID, Entry: noop}, nil
}

func TestRegistryCustomLoader(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "one.js", "")
	writeFile(t, dir, "panics.js", "")

	r := NewRegistry(quietLogger(), WithLoader(stubLoader{}))
	require.NoError(t, r.Discover(context.Background(), dir))
	require.Len(t, r.List(), 1)
	assert.Equal(t, "stub one", r.List()[0].Name)
	require.Len(t, r.Failures(), 1)
	assert.Contains(t, r.Failures()[0].Reason(), "loader exploded")

	r = NewRegistry(quietLogger(), WithLoader(stubLoader{err: errors.New("nope")}))
	require.NoError(t, r.Discover(context.Background(), dir))
	assert.Empty(t, r.List())
	assert.Len(t, r.Failures(), 2)
}

func TestRegisterBuiltins(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "cors.js", corsScript)
	writeFile(t, dir, "builtin.js", `function run() {}`)

	r := NewRegistry(quietLogger())
	require.NoError(t, r.Register(Unit{ID: "builtin", Entry: noop}))
	require.NoError(t, r.Register(Unit{ID: "second", Name: "Second", Entry: noop}))
	assert.ErrorIs(t, r.Register(Unit{ID: "second", Entry: noop}), ErrExists)
	assert.ErrorIs(t, r.Register(Unit{ID: "no-entry"}), ErrNoEntryPoint)

	require.NoError(t, r.Discover(context.Background(), dir))
	var ids []string
	for _, u := range r.List() {
		ids = append(ids, u.ID)
	}
	assert.Equal(t, []string{"builtin", "second", "cors"}, ids)

	require.Len(t, r.Failures(), 1)
	assert.ErrorIs(t, r.Failures()[0].Err, ErrExists)
}

func TestSetEnabledUnknown(t *testing.T) {
	r := NewRegistry(quietLogger())
	assert.ErrorIs(t, r.SetEnabled("ghost", false), ErrNotFound)
}

func TestEnabled(t *testing.T) {
	r := NewRegistry(quietLogger())
	require.NoError(t, r.Register(Unit{ID: "a", Entry: noop}))
	require.NoError(t, r.Register(Unit{ID: "b", Entry: noop}))
	require.NoError(t, r.SetEnabled("a", false))
	enabled := r.Enabled()
	require.Len(t, enabled, 1)
	assert.Equal(t, "b", enabled[0].ID)
}

func TestMatch(t *testing.T) {
	r := NewRegistry(quietLogger())
	require.NoError(t, r.Register(Unit{ID: "sqli_tester", Name: "SQL Injection Tester", Entry: noop}))
	require.NoError(t, r.Register(Unit{ID: "cors", Name: "CORS Misconfiguration Scanner", Entry: noop}))

	u, err := r.Match("cors")
	require.NoError(t, err)
	assert.Equal(t, "cors", u.ID)

	u, err = r.Match("sql injection tester")
	require.NoError(t, err)
	assert.Equal(t, "sqli_tester", u.ID)

	u, err = r.Match("sqlit")
	require.NoError(t, err)
	assert.Equal(t, "sqli_tester", u.ID)

	_, err = r.Match("zzz")
	assert.ErrorIs(t, err, ErrNotFound)
}
