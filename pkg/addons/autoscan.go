package addons

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/fidiego/proxylite/pkg/flow"
	"github.com/fidiego/proxylite/pkg/scan"
)

// DefaultAutoScanWorkers bounds concurrent auto-scans.
const DefaultAutoScanWorkers = 4

// Scanner runs every enabled plugin against a source.
type Scanner interface {
	ScanAll(ctx context.Context, src scan.Source) ([]*scan.Result, error)
}

// ResultFunc receives the results of one auto-scan.
type ResultFunc func(rec flow.Record, results []*scan.Result)

// AutoScanAddon runs all enabled plugins against each completed flow on a
// bounded pool. When every worker is busy the flow is skipped, so a burst of
// traffic never backs up event delivery to other addons.
type AutoScanAddon struct {
	ctx     context.Context
	scanner Scanner
	group   *errgroup.Group
	onDone  ResultFunc
	log     *logrus.Entry

	mu      sync.Mutex
	skipped int
}

// NewAutoScanAddon returns an addon whose scans run under ctx. onDone may be
// nil, in which case failures and annotations are logged.
func NewAutoScanAddon(ctx context.Context, scanner Scanner, workers int, onDone ResultFunc, log *logrus.Logger) *AutoScanAddon {
	if log == nil {
		log = logrus.New()
	}
	if workers <= 0 {
		workers = DefaultAutoScanWorkers
	}
	g := &errgroup.Group{}
	g.SetLimit(workers)
	a := &AutoScanAddon{
		ctx:     ctx,
		scanner: scanner,
		group:   g,
		onDone:  onDone,
		log:     log.WithField("component", "autoscan"),
	}
	if a.onDone == nil {
		a.onDone = a.logResults
	}
	return a
}

func (a *AutoScanAddon) OnResponse(rec flow.Record) {
	if a.ctx.Err() != nil {
		return
	}
	ok := a.group.TryGo(func() error {
		results, err := a.scanner.ScanAll(a.ctx, scan.FromRecord(rec))
		if err != nil {
			a.log.WithField("identity", rec.Identity).Warnf("Auto-scan failed: %v", err)
			return nil
		}
		a.onDone(rec, results)
		return nil
	})
	if !ok {
		a.mu.Lock()
		a.skipped++
		a.mu.Unlock()
		a.log.WithField("identity", rec.Identity).Debug("auto-scan pool busy, flow skipped")
	}
}

// Skipped returns how many flows were not scanned because the pool was full.
func (a *AutoScanAddon) Skipped() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.skipped
}

// Wait blocks until in-flight scans finish.
func (a *AutoScanAddon) Wait() {
	_ = a.group.Wait()
}

func (a *AutoScanAddon) logResults(rec flow.Record, results []*scan.Result) {
	for _, r := range results {
		entry := a.log.WithFields(logrus.Fields{"flow": rec.Sequence, "plugin": r.Unit})
		if !r.OK() {
			entry.Warn(r.Err.Error())
			continue
		}
		for k, v := range r.Annotations {
			entry.Infof("%s: %s", k, v)
		}
	}
}
