// Package addons provides observers that react to flow store events.
package addons

import (
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/fidiego/proxylite/pkg/flow"
)

// LogAddon writes one-line summaries of completed flows to an io.Writer.
// Format mirrors mitmdump: #SEQ METHOD STATUS SIZE HOST PATH DURATION
type LogAddon struct {
	w io.Writer

	red, yellow, cyan, green, faint *color.Color
}

// NewLogAddon creates a LogAddon that writes to w.
func NewLogAddon(w io.Writer, noColor bool) *LogAddon {
	l := &LogAddon{
		w:      w,
		red:    color.New(color.FgRed),
		yellow: color.New(color.FgYellow),
		cyan:   color.New(color.FgCyan),
		green:  color.New(color.FgGreen),
		faint:  color.New(color.Faint),
	}
	for _, c := range []*color.Color{l.red, l.yellow, l.cyan, l.green, l.faint} {
		if noColor {
			c.DisableColor()
		} else {
			c.EnableColor()
		}
	}
	return l
}

func (l *LogAddon) OnResponse(rec flow.Record) {
	code, _ := rec.Status()
	size := 0
	if rec.RawResponse != nil {
		size = len(rec.RawResponse.Body)
	}
	status := fmt.Sprintf("%s %s", l.colorFor(code).Sprint(code), humanize.Bytes(uint64(size)))
	l.write(rec, status)
}

func (l *LogAddon) OnReset() {
	fmt.Fprintln(l.w, l.faint.Sprint("-- history cleared --"))
}

func (l *LogAddon) write(rec flow.Record, status string) {
	host := rec.Host
	if host == "" {
		host = "-"
	}
	fmt.Fprintf(l.w, "#%-4d %-7s %s  %-25s %-50s %s\n",
		rec.Sequence, rec.Method, status, truncate(host, 25), truncate(pathOf(rec), 50),
		formatDuration(rec.Duration()))
}

// colorFor picks a colour by status class.
func (l *LogAddon) colorFor(code int) *color.Color {
	switch {
	case code >= 500:
		return l.red
	case code >= 400:
		return l.yellow
	case code >= 300:
		return l.cyan
	default:
		return l.green
	}
}

func pathOf(rec flow.Record) string {
	if rec.Method == "CONNECT" {
		return rec.URL
	}
	u, err := url.Parse(rec.URL)
	if err != nil || u.RequestURI() == "" {
		return "/"
	}
	return u.RequestURI()
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("%3dµs", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%3dms", d.Milliseconds())
	default:
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
