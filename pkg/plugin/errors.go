package plugin

import (
	"errors"
	"fmt"
)

var (
	// ErrLoadFailed matches every *LoadError.
	ErrLoadFailed = errors.New("plugin load failed")
	// ErrNotFound is returned for unknown unit ids or names.
	ErrNotFound = errors.New("plugin not found")
	// ErrNoEntryPoint is returned when a script does not define run.
	ErrNoEntryPoint = errors.New("plugin does not define a run function")
	// ErrExists is returned when installing or scaffolding over an existing unit.
	ErrExists = errors.New("plugin already exists")
)

// LoadError records why one unit could not be loaded.
type LoadError struct {
	Unit string `json:"unit"`
	Path string `json:"path"`
	Err  error  `json:"-"`
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load plugin %s (%s): %v", e.Unit, e.Path, e.Err)
}

func (e *LoadError) Unwrap() []error { return []error{ErrLoadFailed, e.Err} }

// Reason is the underlying failure message.
func (e *LoadError) Reason() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}
