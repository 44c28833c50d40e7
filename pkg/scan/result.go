package scan

import (
	"errors"
	"fmt"
	"time"
)

// ErrPluginDisabled is returned when a scan targets a disabled unit.
var ErrPluginDisabled = errors.New("plugin is disabled")

// Status is the outcome of one invocation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// ExecutionError is the failure raised by a plugin during run. It is carried
// in the Result rather than returned, so callers decide about retries.
type ExecutionError struct {
	Unit    string `json:"unit"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("plugin %s failed: %s", e.Unit, e.Message)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Result describes one scan.
type Result struct {
	ID          string            `json:"id"`
	Unit        string            `json:"unit"`
	Name        string            `json:"name"`
	Source      string            `json:"source"`
	Status      Status            `json:"status"`
	Err         *ExecutionError   `json:"error,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
	Logs        []string          `json:"logs,omitempty"`
	Started     time.Time         `json:"started"`
	Duration    time.Duration     `json:"duration"`
}

// OK reports whether the plugin completed normally.
func (r *Result) OK() bool { return r.Status == StatusSuccess }
