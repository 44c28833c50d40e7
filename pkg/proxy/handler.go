package proxy

import (
	"github.com/fidiego/proxylite/pkg/flow"
)

// Handler receives the two phases of every exchange an engine intercepts.
// Both methods are called on engine goroutines and must return quickly.
type Handler interface {
	OnRequestObserved(id flow.Identity, host, method, url string, raw *flow.RawRequest)
	OnResponseObserved(id flow.Identity, statusCode int, raw *flow.RawResponse)
}
