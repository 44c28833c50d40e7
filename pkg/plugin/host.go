package plugin

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/sirupsen/logrus"

	"github.com/fidiego/proxylite/pkg/exchange"
)

// host builds the objects a script sees during one evaluation.
type host struct {
	ctx     context.Context
	vm      *goja.Runtime
	src     Source
	log     *logrus.Entry
	journal *exchange.Journal

	// objects maps request objects handed to the script back to their views
	// so request.send(copy) can find the copy.
	objects map[*goja.Object]*exchange.Request
}

func (h *host) install() {
	api := h.vm.NewObject()
	_ = api.Set("log", h.logLine)
	_ = api.Set("resource", func(call goja.FunctionCall) goja.Value {
		data := h.readResource(call.Argument(0).String())
		return h.vm.ToValue(string(data))
	})
	_ = api.Set("lines", func(call goja.FunctionCall) goja.Value {
		data := h.readResource(call.Argument(0).String())
		var items []any
		sc := bufio.NewScanner(bytes.NewReader(data))
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			items = append(items, line)
		}
		return h.vm.NewArray(items...)
	})
	_ = api.Set("sleep", func(call goja.FunctionCall) goja.Value {
		d := time.Duration(call.Argument(0).ToInteger()) * time.Millisecond
		if d <= 0 {
			return goja.Undefined()
		}
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-h.ctx.Done():
			panic(h.vm.NewGoError(h.ctx.Err()))
		case <-t.C:
		}
		return goja.Undefined()
	})
	_ = h.vm.Set("proxylite", api)

	console := h.vm.NewObject()
	_ = console.Set("log", h.logLine)
	_ = h.vm.Set("console", console)
}

func (h *host) logLine(call goja.FunctionCall) goja.Value {
	parts := make([]string, len(call.Arguments))
	for i, arg := range call.Arguments {
		parts[i] = arg.String()
	}
	line := strings.Join(parts, " ")
	h.journal.Println(line)
	h.log.Info(line)
	return goja.Undefined()
}

func (h *host) readResource(name string) []byte {
	path, err := resolveResource(h.src.Root, name)
	if err != nil {
		panic(h.vm.NewGoError(err))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		panic(h.vm.NewGoError(fmt.Errorf("read resource %s: %w", name, err)))
	}
	return data
}

func (h *host) throwReadOnly(what string) goja.Value {
	return h.vm.ToValue(func(goja.FunctionCall) goja.Value {
		panic(h.vm.NewTypeError("%s is read-only; use request.copy()", what))
	})
}

// accessor defines a property backed by get. When set is nil the property
// throws on assignment.
func (h *host) accessor(o *goja.Object, name string, get func() any, set func(goja.Value)) {
	getter := h.vm.ToValue(func(goja.FunctionCall) goja.Value { return h.vm.ToValue(get()) })
	setter := h.throwReadOnly(name)
	if set != nil {
		setter = h.vm.ToValue(func(call goja.FunctionCall) goja.Value {
			set(call.Argument(0))
			return goja.Undefined()
		})
	}
	_ = o.DefineAccessorProperty(name, getter, setter, goja.FLAG_FALSE, goja.FLAG_TRUE)
}

// request exposes req to the script. Only copies are mutable.
func (h *host) request(req *exchange.Request, mutable bool) *goja.Object {
	o := h.vm.NewObject()
	h.objects[o] = req

	var setMethod, setURL, setText func(goja.Value)
	if mutable {
		setMethod = func(v goja.Value) { req.Method = strings.ToUpper(v.String()) }
		setURL = func(v goja.Value) { req.URL = v.String() }
		setText = func(v goja.Value) { req.Body = []byte(v.String()) }
	}
	h.accessor(o, "method", func() any { return req.Method }, setMethod)
	h.accessor(o, "url", func() any { return req.URL }, setURL)
	h.accessor(o, "text", func() any { return req.Text() }, setText)
	h.accessor(o, "host", func() any { return req.Host() }, nil)
	_ = o.Set("headers", h.headers(req.Header, mutable))

	getText := func(goja.FunctionCall) goja.Value { return h.vm.ToValue(req.Text()) }
	_ = o.Set("getText", getText)
	_ = o.Set("get_text", getText)

	if mutable {
		wrap := func(set func(goja.Value)) func(goja.FunctionCall) goja.Value {
			return func(call goja.FunctionCall) goja.Value {
				set(call.Argument(0))
				return o
			}
		}
		_ = o.Set("setMethod", wrap(setMethod))
		_ = o.Set("setURL", wrap(setURL))
		_ = o.Set("setText", wrap(setText))
		_ = o.Set("set_text", wrap(setText))
		_ = o.Set("setHeader", func(call goja.FunctionCall) goja.Value {
			req.Header.Set(call.Argument(0).String(), call.Argument(1).String())
			return o
		})
		_ = o.Set("removeHeader", func(call goja.FunctionCall) goja.Value {
			req.Header.Del(call.Argument(0).String())
			return o
		})
	}

	_ = o.Set("copy", func(goja.FunctionCall) goja.Value {
		return h.request(req.Clone(), true)
	})
	_ = o.Set("canSend", req.CanSend())
	_ = o.Set("send", func(call goja.FunctionCall) goja.Value {
		target := req
		if arg := call.Argument(0); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
			obj, ok := arg.(*goja.Object)
			if !ok || h.objects[obj] == nil {
				panic(h.vm.NewTypeError("send expects a request object"))
			}
			target = h.objects[obj]
		}
		resp, err := target.Send(h.ctx)
		if err != nil {
			panic(h.vm.NewGoError(err))
		}
		return h.response(resp)
	})
	return o
}

// response exposes resp to the script. Annotations are the only writable
// channel.
func (h *host) response(resp *exchange.Response) *goja.Object {
	o := h.vm.NewObject()
	status := func() any { return resp.StatusCode }
	h.accessor(o, "statusCode", status, nil)
	h.accessor(o, "status_code", status, nil)
	h.accessor(o, "captured", func() any { return resp.Captured }, nil)
	h.accessor(o, "text", func() any { return resp.Text() }, nil)
	h.accessor(o, "length", func() any { return len(resp.Body) }, nil)
	_ = o.Set("headers", h.headers(resp.Header, false))

	getText := func(goja.FunctionCall) goja.Value { return h.vm.ToValue(resp.Text()) }
	_ = o.Set("getText", getText)
	_ = o.Set("get_text", getText)
	_ = o.Set("annotate", func(call goja.FunctionCall) goja.Value {
		resp.Annotate(call.Argument(0).String(), call.Argument(1).String())
		return goja.Undefined()
	})
	return o
}

// headers exposes case-insensitive header access.
func (h *host) headers(hdr http.Header, mutable bool) *goja.Object {
	o := h.vm.NewObject()
	_ = o.Set("get", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		if len(hdr.Values(name)) == 0 {
			return goja.Null()
		}
		return h.vm.ToValue(hdr.Get(name))
	})
	_ = o.Set("has", func(call goja.FunctionCall) goja.Value {
		return h.vm.ToValue(len(hdr.Values(call.Argument(0).String())) > 0)
	})
	_ = o.Set("values", func(call goja.FunctionCall) goja.Value {
		vals := hdr.Values(call.Argument(0).String())
		items := make([]any, len(vals))
		for i, v := range vals {
			items[i] = v
		}
		return h.vm.NewArray(items...)
	})
	_ = o.Set("keys", func(goja.FunctionCall) goja.Value {
		keys := make([]string, 0, len(hdr))
		for k := range hdr {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		items := make([]any, len(keys))
		for i, k := range keys {
			items[i] = k
		}
		return h.vm.NewArray(items...)
	})
	if mutable {
		_ = o.Set("set", func(call goja.FunctionCall) goja.Value {
			hdr.Set(call.Argument(0).String(), call.Argument(1).String())
			return goja.Undefined()
		})
		_ = o.Set("remove", func(call goja.FunctionCall) goja.Value {
			hdr.Del(call.Argument(0).String())
			return goja.Undefined()
		})
	}
	return o
}
