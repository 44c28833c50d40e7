// Package scan runs plugin units against captured or synthetic exchanges.
package scan

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fidiego/proxylite/pkg/exchange"
	"github.com/fidiego/proxylite/pkg/plugin"
)

// Units is the part of the plugin registry the orchestrator needs.
type Units interface {
	Get(id string) (plugin.Unit, bool)
	Enabled() []plugin.Unit
}

// Metrics receives per-scan observations.
type Metrics interface {
	ScanCompleted(unit string, status Status, d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) ScanCompleted(string, Status, time.Duration) {}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSender grants plugins the capability to issue outbound requests.
func WithSender(s exchange.Sender) Option {
	return func(o *Orchestrator) { o.sender = s }
}

// WithTimeout bounds each invocation. Zero means the caller's context is the
// only limit.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.timeout = d }
}

// WithMetrics routes scan observations to m.
func WithMetrics(m Metrics) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// Orchestrator invokes plugin entry points. Scans run on the caller's
// goroutine and share no mutable state, so any number may run concurrently.
type Orchestrator struct {
	units   Units
	sender  exchange.Sender
	timeout time.Duration
	metrics Metrics
	log     *logrus.Entry
}

// New creates an orchestrator over units.
func New(units Units, log *logrus.Logger, opts ...Option) *Orchestrator {
	if log == nil {
		log = logrus.New()
	}
	o := &Orchestrator{
		units:   units,
		metrics: noopMetrics{},
		log:     log.WithField("component", "scan"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ActiveScans reports whether plugins may send requests.
func (o *Orchestrator) ActiveScans() bool { return o.sender != nil }

// Scan runs the unit with the given id against src. The returned error is
// reserved for refusals: an unknown unit, a disabled unit, or a source that
// cannot be resolved. A plugin failure is reported in the Result.
func (o *Orchestrator) Scan(ctx context.Context, src Source, unitID string) (*Result, error) {
	u, ok := o.units.Get(unitID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", plugin.ErrNotFound, unitID)
	}
	if !u.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrPluginDisabled, unitID)
	}
	req, resp, err := src.Views(exchange.WithSender(o.sender))
	if err != nil {
		return nil, err
	}
	return o.invoke(ctx, u, src, req, resp), nil
}

// ScanAll runs every enabled unit against its own copy of src, one after the
// other. One unit's failure does not stop the rest.
func (o *Orchestrator) ScanAll(ctx context.Context, src Source) ([]*Result, error) {
	units := o.units.Enabled()
	results := make([]*Result, 0, len(units))
	for _, u := range units {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		req, resp, err := src.Views(exchange.WithSender(o.sender))
		if err != nil {
			return results, err
		}
		results = append(results, o.invoke(ctx, u, src, req, resp))
	}
	return results, nil
}

func (o *Orchestrator) invoke(ctx context.Context, u plugin.Unit, src Source, req *exchange.Request, resp *exchange.Response) *Result {
	res := &Result{
		ID:      uuid.NewString(),
		Unit:    u.ID,
		Name:    u.Name,
		Source:  src.Describe(),
		Started: time.Now(),
	}

	journal := &exchange.Journal{}
	ctx = exchange.WithJournal(ctx, journal)
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	err := call(ctx, u.Entry, req, resp)

	res.Duration = time.Since(res.Started)
	res.Logs = journal.Lines()
	res.Annotations = resp.Annotations()
	if err != nil {
		res.Status = StatusFailed
		res.Err = &ExecutionError{Unit: u.Name, Message: err.Error(), Err: err}
		o.log.WithFields(logrus.Fields{"plugin": u.ID, "source": res.Source}).
			Warnf("Plugin execution failed: %v", err)
	} else {
		res.Status = StatusSuccess
		o.log.WithFields(logrus.Fields{"plugin": u.ID, "source": res.Source}).
			Debugf("Plugin completed in %s", res.Duration)
	}
	o.metrics.ScanCompleted(u.ID, res.Status, res.Duration)
	return res
}

// call invokes entry with panics converted into errors.
func call(ctx context.Context, entry plugin.EntryPoint, req *exchange.Request, resp *exchange.Response) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if entry == nil {
		return plugin.ErrNoEntryPoint
	}
	return entry(ctx, req, resp)
}
