package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dop251/goja"
	"github.com/sirupsen/logrus"

	"github.com/fidiego/proxylite/pkg/exchange"
)

// DefaultLoadTimeout bounds the top-level evaluation of a script at load time.
const DefaultLoadTimeout = 5 * time.Second

// ScriptLoader loads JavaScript units. The script is compiled once; every
// invocation evaluates it in a fresh runtime so no state leaks between scans.
//
// A script declares its metadata and entry point as globals:
//
//	var name = "CORS Misconfiguration Scanner";
//	var description = "Checks for permissive CORS headers.";
//	var author = "0xYourHandle";
//	function run(request, response) { ... }
type ScriptLoader struct {
	LoadTimeout time.Duration
	log         *logrus.Entry
}

// NewScriptLoader creates a loader that logs plugin output through log.
func NewScriptLoader(log *logrus.Logger) *ScriptLoader {
	if log == nil {
		log = logrus.New()
	}
	return &ScriptLoader{
		LoadTimeout: DefaultLoadTimeout,
		log:         log.WithField("component", "plugin-runtime"),
	}
}

// Load implements Loader.
func (l *ScriptLoader) Load(ctx context.Context, src Source) (*Unit, error) {
	code, err := os.ReadFile(src.Entry)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	prog, err := goja.Compile(src.Entry, string(code), false)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}

	timeout := l.LoadTimeout
	if timeout <= 0 {
		timeout = DefaultLoadTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u := &Unit{ID: src.ID, Path: src.Path}
	err = l.exec(ctx, src, prog, func(vm *goja.Runtime, _ *host) error {
		if _, ok := goja.AssertFunction(vm.Get("run")); !ok {
			return ErrNoEntryPoint
		}
		u.Name = globalString(vm, "name")
		u.Description = globalString(vm, "description")
		u.Author = globalString(vm, "author")
		u.Version = globalString(vm, "version")
		return nil
	})
	if err != nil {
		return nil, err
	}

	src.Manifest.apply(u)
	u.applyDefaults()
	u.Entry = func(ctx context.Context, req *exchange.Request, resp *exchange.Response) error {
		return l.exec(ctx, src, prog, func(vm *goja.Runtime, h *host) error {
			run, ok := goja.AssertFunction(vm.Get("run"))
			if !ok {
				return ErrNoEntryPoint
			}
			_, err := run(goja.Undefined(), h.request(req, false), h.response(resp))
			return err
		})
	}
	return u, nil
}

// exec evaluates prog in a fresh runtime and then calls fn. The runtime is
// interrupted when ctx ends.
func (l *ScriptLoader) exec(ctx context.Context, src Source, prog *goja.Program, fn func(*goja.Runtime, *host) error) (err error) {
	vm := goja.New()
	h := &host{
		ctx:     ctx,
		vm:      vm,
		src:     src,
		log:     l.log.WithField("plugin", src.ID),
		journal: exchange.JournalFrom(ctx),
		objects: make(map[*goja.Object]*exchange.Request),
	}
	h.install()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in plugin runtime: %v", r)
		}
	}()

	if _, err := vm.RunProgram(prog); err != nil {
		return scriptError(err)
	}
	if err := fn(vm, h); err != nil {
		return scriptError(err)
	}
	return nil
}

// scriptError reduces runtime errors to the message the script raised.
func scriptError(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if cause, ok := interrupted.Value().(error); ok {
			return fmt.Errorf("interrupted: %w", cause)
		}
		return fmt.Errorf("interrupted: %v", interrupted.Value())
	}
	var exc *goja.Exception
	if errors.As(err, &exc) {
		if inner := exc.Unwrap(); inner != nil {
			return inner
		}
		return errors.New(exc.Value().String())
	}
	return err
}

func globalString(vm *goja.Runtime, name string) string {
	v := vm.Get(name)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}
