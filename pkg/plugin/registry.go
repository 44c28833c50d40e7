package plugin

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sahilm/fuzzy"
	"github.com/sirupsen/logrus"
)

// Metrics receives registry counters.
type Metrics interface {
	PluginsLoaded(n int)
	PluginLoadFailed(unit string)
}

type noopMetrics struct{}

func (noopMetrics) PluginsLoaded(int)       {}
func (noopMetrics) PluginLoadFailed(string) {}

// Option configures a Registry.
type Option func(*Registry)

// WithLoader replaces the JavaScript loader.
func WithLoader(l Loader) Option {
	return func(r *Registry) { r.loader = l }
}

// WithMetrics routes registry counters to m.
func WithMetrics(m Metrics) Option {
	return func(r *Registry) {
		if m != nil {
			r.metrics = m
		}
	}
}

// PreserveState keeps each unit's enabled flag across reloads. By default a
// reloaded unit comes back enabled.
func PreserveState(preserve bool) Option {
	return func(r *Registry) { r.preserve = preserve }
}

// Registry owns the loaded plugin units. It is safe for concurrent use.
type Registry struct {
	scanMu sync.Mutex // serialises discovery passes

	mu       sync.RWMutex
	dir      string
	units    []*Unit
	byID     map[string]*Unit
	builtin  []*Unit
	failures []*LoadError

	loader   Loader
	preserve bool
	metrics  Metrics
	log      *logrus.Entry
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logrus.Logger, opts ...Option) *Registry {
	if log == nil {
		log = logrus.New()
	}
	r := &Registry{
		byID:    make(map[string]*Unit),
		metrics: noopMetrics{},
		log:     log.WithField("component", "plugin-registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.loader == nil {
		r.loader = NewScriptLoader(log)
	}
	return r
}

// Dir returns the directory of the last discovery.
func (r *Registry) Dir() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dir
}

// Register adds a unit implemented in Go. Registered units are listed before
// discovered ones and survive rediscovery.
func (r *Registry) Register(u Unit) error {
	if u.ID == "" {
		return errors.New("plugin id is required")
	}
	if u.Entry == nil {
		return fmt.Errorf("register %s: %w", u.ID, ErrNoEntryPoint)
	}
	u.applyDefaults()
	u.Enabled = true
	if u.LoadedAt.IsZero() {
		u.LoadedAt = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[u.ID]; exists {
		return fmt.Errorf("register %s: %w", u.ID, ErrExists)
	}
	unit := &u
	r.builtin = append(r.builtin, unit)
	r.units = slices.Insert(r.units, len(r.builtin)-1, unit)
	r.byID[u.ID] = unit
	return nil
}

// Discover replaces the discovered units with those found in dir. Units that
// fail to load are skipped and recorded in Failures. The returned error is
// non-nil only when dir itself cannot be read.
func (r *Registry) Discover(ctx context.Context, dir string) error {
	r.mu.RLock()
	same := dir == r.dir
	r.mu.RUnlock()
	return r.discover(ctx, dir, same)
}

// Reload re-runs discovery against the last directory. Each unit is reloaded
// independently; a unit that fails to reload keeps its previous instance.
func (r *Registry) Reload(ctx context.Context) error {
	dir := r.Dir()
	if dir == "" {
		return errors.New("reload: no plugin directory has been discovered")
	}
	return r.discover(ctx, dir, true)
}

func (r *Registry) discover(ctx context.Context, dir string, reload bool) error {
	r.scanMu.Lock()
	defer r.scanMu.Unlock()

	srcs, failures, err := sources(dir)
	if err != nil {
		return err
	}

	r.mu.RLock()
	previous := make(map[string]*Unit, len(r.units))
	if reload {
		for _, u := range r.units {
			previous[u.ID] = u
		}
	}
	reserved := make(map[string]bool, len(r.builtin))
	for _, u := range r.builtin {
		reserved[u.ID] = true
	}
	r.mu.RUnlock()

	for _, f := range failures {
		if prev := previous[f.Unit]; prev != nil {
			srcs = append(srcs, Source{ID: prev.ID, Path: prev.Path})
		}
	}

	loaded := make([]*Unit, 0, len(srcs))
	seen := make(map[string]bool, len(srcs))
	// inherit maps a fresh unit to the instance whose enabled flag it takes
	// over. Flags are copied under the write lock at swap time.
	inherit := make(map[*Unit]*Unit)
	for _, src := range srcs {
		if src.Entry == "" {
			// Broken layout for a unit that loaded before; keep the old instance.
			loaded = append(loaded, previous[src.ID])
			seen[src.ID] = true
			continue
		}
		if reserved[src.ID] || seen[src.ID] {
			failures = append(failures, &LoadError{Unit: src.ID, Path: src.Path, Err: ErrExists})
			continue
		}
		u, err := r.load(ctx, src)
		if err != nil {
			failures = append(failures, &LoadError{Unit: src.ID, Path: src.Path, Err: err})
			if prev := previous[src.ID]; prev != nil {
				loaded = append(loaded, prev)
				seen[src.ID] = true
			}
			continue
		}
		if prev := previous[src.ID]; prev != nil && r.preserve {
			inherit[u] = prev
		}
		loaded = append(loaded, u)
		seen[src.ID] = true
	}

	for _, f := range failures {
		r.metrics.PluginLoadFailed(f.Unit)
		r.log.WithFields(logrus.Fields{"plugin": f.Unit, "path": f.Path}).
			Warnf("Failed to load plugin: %v", f.Err)
	}

	r.mu.Lock()
	for u, prev := range inherit {
		u.Enabled = prev.Enabled
	}
	r.dir = dir
	r.units = append(append([]*Unit(nil), r.builtin...), loaded...)
	r.byID = make(map[string]*Unit, len(r.units))
	for _, u := range r.units {
		r.byID[u.ID] = u
	}
	r.failures = failures
	r.mu.Unlock()

	r.metrics.PluginsLoaded(len(loaded))
	r.log.WithField("dir", dir).Infof("Loaded %d plugin(s), %d failure(s)", len(loaded), len(failures))
	return nil
}

// load calls the loader with panics converted into errors.
func (r *Registry) load(ctx context.Context, src Source) (u *Unit, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			u, err = nil, fmt.Errorf("panic during load: %v", rec)
		}
	}()
	u, err = r.loader.Load(ctx, src)
	if err != nil {
		return nil, err
	}
	if u == nil || u.Entry == nil {
		return nil, ErrNoEntryPoint
	}
	u.ID = src.ID
	u.Path = src.Path
	u.applyDefaults()
	u.Enabled = true
	u.LoadedAt = time.Now()
	return u, nil
}

// List returns the units in registration then discovery order.
func (r *Registry) List() []Unit {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Unit, len(r.units))
	for i, u := range r.units {
		out[i] = *u
	}
	return out
}

// Enabled returns the enabled units in list order.
func (r *Registry) Enabled() []Unit {
	var out []Unit
	for _, u := range r.List() {
		if u.Enabled {
			out = append(out, u)
		}
	}
	return out
}

// Get returns the unit with the given id.
func (r *Registry) Get(id string) (Unit, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byID[id]
	if !ok {
		return Unit{}, false
	}
	return *u, true
}

// SetEnabled toggles whether the orchestrator may run a unit.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	u.Enabled = enabled
	return nil
}

// Failures returns the load failures recorded by the last discovery.
func (r *Registry) Failures() []LoadError {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]LoadError, len(r.failures))
	for i, f := range r.failures {
		out[i] = *f
	}
	return out
}

// Match resolves an operator-typed query to a unit: an exact id, then a
// case-insensitive name, then the best fuzzy match over ids and names.
func (r *Registry) Match(query string) (Unit, error) {
	units := r.List()
	for _, u := range units {
		if u.ID == query {
			return u, nil
		}
	}
	for _, u := range units {
		if strings.EqualFold(u.Name, query) {
			return u, nil
		}
	}
	if query != "" {
		if matches := fuzzy.FindFrom(query, unitSource(units)); len(matches) > 0 {
			return units[matches[0].Index/2], nil
		}
	}
	return Unit{}, fmt.Errorf("%w: %s", ErrNotFound, query)
}

// unitSource presents ids and names to fuzzy matching as [id0, name0, id1, ...].
type unitSource []Unit

func (s unitSource) String(i int) string {
	if i%2 == 0 {
		return s[i/2].ID
	}
	return s[i/2].Name
}

func (s unitSource) Len() int { return len(s) * 2 }
