package proxy

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/fidiego/proxylite/pkg/flow"
)

// RequestHook is called after a record is created for a new request.
type RequestHook interface {
	OnRequest(rec flow.Record)
}

// ResponseHook is called after a record's response phase is filled in.
type ResponseHook interface {
	OnResponse(rec flow.Record)
}

// ResetHook is called after the store is cleared.
type ResetHook interface {
	OnReset()
}

// Addon is a marker interface; addons implement whichever hook interfaces they need.
type Addon interface{}

// AddonManager dispatches store events to registered addons in order. It
// runs on its own goroutine, fed by a store subscription, so addons never
// slow down interception.
type AddonManager struct {
	addons []Addon
	log    *logrus.Entry
}

// NewAddonManager returns an empty AddonManager.
func NewAddonManager(log *logrus.Logger) *AddonManager {
	if log == nil {
		log = logrus.New()
	}
	return &AddonManager{log: log.WithField("component", "addons")}
}

// Add registers one or more addons. Call before Run.
func (m *AddonManager) Add(addons ...Addon) {
	m.addons = append(m.addons, addons...)
}

// Len returns the number of registered addons.
func (m *AddonManager) Len() int { return len(m.addons) }

// Run subscribes to store and dispatches events until ctx ends.
func (m *AddonManager) Run(ctx context.Context, store *flow.Store) error {
	ch := store.Subscribe()
	defer store.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			m.Fire(evt)
		}
	}
}

// Fire delivers one event to every addon implementing the matching hook.
func (m *AddonManager) Fire(evt flow.Event) {
	for _, a := range m.addons {
		m.dispatch(a, evt)
	}
}

func (m *AddonManager) dispatch(a Addon, evt flow.Event) {
	defer func() {
		if r := recover(); r != nil {
			m.log.WithField("addon", fmt.Sprintf("%T", a)).Errorf("Addon panicked: %v", r)
		}
	}()
	switch evt.Type {
	case flow.EventRequest:
		if h, ok := a.(RequestHook); ok {
			h.OnRequest(evt.Record)
		}
	case flow.EventResponse:
		if h, ok := a.(ResponseHook); ok {
			h.OnResponse(evt.Record)
		}
	case flow.EventReset:
		if h, ok := a.(ResetHook); ok {
			h.OnReset()
		}
	}
}
