// Package plugin discovers, loads and manages scan plugins.
//
// A plugin directory holds one unit per immediate child: either a single
// script file (cors.js) or a directory containing an entry-point script
// (index.js by default), an optional plugin.yaml manifest and any auxiliary
// resources such as payload lists.
package plugin

import (
	"context"
	"time"

	"github.com/fidiego/proxylite/pkg/exchange"
)

// Default metadata applied when a unit leaves a field unset.
const (
	DefaultDescription = "No description provided."
	DefaultAuthor      = "unknown"
)

// EntryPoint runs a plugin against one request/response pair. A returned error
// marks the invocation as failed.
type EntryPoint func(ctx context.Context, req *exchange.Request, resp *exchange.Response) error

// Unit is a loaded plugin. Units handed out by the Registry are copies.
type Unit struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Author      string    `json:"author"`
	Version     string    `json:"version,omitempty"`
	Path        string    `json:"path,omitempty"`
	Enabled     bool      `json:"enabled"`
	LoadedAt    time.Time `json:"loadedAt"`

	Entry EntryPoint `json:"-"`
}

// applyDefaults fills empty descriptive fields.
func (u *Unit) applyDefaults() {
	if u.Name == "" {
		u.Name = u.ID
	}
	if u.Description == "" {
		u.Description = DefaultDescription
	}
	if u.Author == "" {
		u.Author = DefaultAuthor
	}
}
