// Package tui provides the interactive terminal UI for proxylite.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fidiego/proxylite/pkg/filter"
	"github.com/fidiego/proxylite/pkg/flow"
	"github.com/fidiego/proxylite/pkg/plugin"
	"github.com/fidiego/proxylite/pkg/proxy"
	"github.com/fidiego/proxylite/pkg/repeater"
	"github.com/fidiego/proxylite/pkg/scan"
)

// viewMode controls which pane is shown.
type viewMode int

const (
	viewList   viewMode = iota // flow list
	viewDetail                 // raw request/response
	viewOutput                 // scan results or replay reply
)

// Deps are the components the TUI drives.
type Deps struct {
	Manager     *proxy.Manager
	Plugins     *plugin.Registry
	Scanner     *scan.Orchestrator
	Repeater    *repeater.Repeater
	ProxyConfig proxy.Config
	WebPort     int
}

type (
	flowEventMsg flow.Event

	scanDoneMsg struct {
		seq     int64
		results []*scan.Result
		err     error
	}

	replayDoneMsg struct {
		seq  int64
		text string
		err  error
	}

	proxyToggledMsg struct {
		status proxy.Status
		err    error
	}
)

// copyFunc writes to the system clipboard; replaced in tests.
var copyFunc = clipboard.WriteAll

// App is the root Bubbletea model.
type App struct {
	deps    Deps
	store   *flow.Store
	eventCh chan flow.Event
	ctx     context.Context

	// Flow state
	all          []flow.Record // all[seq-1]
	filtered     []flow.Record
	filterExpr   string
	filterParsed filter.Filter

	// pluginSel is 0 for "all enabled plugins", otherwise an index+1 into
	// the registry listing.
	pluginSel int

	mode        viewMode
	table       table.Model
	detail      viewport.Model
	filterInput textinput.Model
	filterMode  bool

	width  int
	height int

	notice    string
	noticeExp time.Time

	// proxyAddr is the session address as of the last toggle. View must not
	// lock the manager.
	proxyAddr string
}

// New creates an App subscribed to the manager's flow store.
func New(ctx context.Context, deps Deps) *App {
	store := deps.Manager.Store()

	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "#", Width: 5},
			{Title: "Host", Width: 24},
			{Title: "Method", Width: 8},
			{Title: "URL", Width: 50},
			{Title: "Status", Width: 7},
		}),
		table.WithFocused(true),
		table.WithHeight(20),
	)
	t.SetStyles(table.Styles{
		Header:   lipgloss.NewStyle().Bold(true).Foreground(colorCyan),
		Selected: tableSelectedStyle,
		Cell:     lipgloss.NewStyle(),
	})

	fi := textinput.New()
	fi.Placeholder = "filter expression (e.g. ~m POST & ~d example.com)"
	fi.CharLimit = 256

	a := &App{
		deps:         deps,
		store:        store,
		ctx:          ctx,
		filterParsed: filter.MatchAll,
		table:        t,
		detail:       viewport.New(80, 30),
		filterInput:  fi,
	}
	// Subscribe before the snapshot so no event falls between the two;
	// applyEvent tolerates seeing a record twice.
	a.eventCh = store.Subscribe()
	a.all = store.Records()
	a.applyFilter()
	a.refreshProxy()
	return a
}

// Init satisfies tea.Model.
func (a *App) Init() tea.Cmd {
	return waitForFlowEvent(a.eventCh)
}

// waitForFlowEvent blocks until the next store event.
func waitForFlowEvent(ch chan flow.Event) tea.Cmd {
	return func() tea.Msg {
		evt, ok := <-ch
		if !ok {
			return nil
		}
		return flowEventMsg(evt)
	}
}

// Update satisfies tea.Model.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.resize()

	case flowEventMsg:
		a.applyEvent(flow.Event(msg))
		cmds = append(cmds, waitForFlowEvent(a.eventCh))

	case scanDoneMsg:
		if msg.err != nil {
			a.notify(fmt.Sprintf("scan #%d failed: %v", msg.seq, msg.err))
			break
		}
		a.showOutput(renderResults(msg.seq, msg.results))

	case replayDoneMsg:
		if msg.err != nil {
			a.notify(fmt.Sprintf("replay #%d failed: %v", msg.seq, msg.err))
			break
		}
		a.showOutput(highlight(msg.text, "http"))

	case proxyToggledMsg:
		a.refreshProxy()
		if msg.err != nil {
			a.notify(fmt.Sprintf("proxy: %v", msg.err))
		} else {
			a.notify("proxy " + string(msg.status))
		}

	case tea.KeyMsg:
		if a.filterMode {
			return a.updateFilterInput(msg, cmds)
		}
		switch msg.String() {
		case "q", "ctrl+c":
			return a, tea.Quit
		case "enter":
			if a.mode == viewList {
				if _, ok := a.selectedRecord(); ok {
					a.mode = viewDetail
					a.renderDetail()
				}
			}
		case "esc", "backspace":
			a.mode = viewList
		case "f":
			a.filterMode = true
			a.filterInput.Focus()
			return a, textinput.Blink
		case "p":
			a.cyclePlugin()
		case "s":
			cmds = append(cmds, a.scanSelected())
		case "r":
			cmds = append(cmds, a.replaySelected())
		case "c":
			a.copyAsCURL()
		case "d":
			a.resetFlows()
		case "i":
			cmds = append(cmds, a.toggleProxy())
		default:
			if a.mode == viewList {
				a.table, _ = a.table.Update(msg)
			} else {
				a.detail, _ = a.detail.Update(msg)
			}
		}
	}

	return a, tea.Batch(cmds...)
}

func (a *App) updateFilterInput(msg tea.KeyMsg, cmds []tea.Cmd) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		expr := a.filterInput.Value()
		f, err := filter.Parse(expr)
		if err != nil {
			a.notify(fmt.Sprintf("invalid filter: %v", err))
		} else {
			a.filterExpr = expr
			a.filterParsed = f
			a.applyFilter()
			if expr == "" {
				a.notify("filter cleared")
			} else {
				a.notify("filter: " + expr)
			}
		}
		a.filterMode = false
		a.filterInput.Blur()
	case "esc":
		a.filterMode = false
		a.filterInput.Blur()
	default:
		var cmd tea.Cmd
		a.filterInput, cmd = a.filterInput.Update(msg)
		cmds = append(cmds, cmd)
	}
	return a, tea.Batch(cmds...)
}

// View satisfies tea.Model.
func (a *App) View() string {
	if a.width == 0 {
		return "Loading…"
	}
	var b strings.Builder

	b.WriteString(styleStatusBar.Width(a.width).Render(a.title()))
	b.WriteString("\n")

	h := a.height - 4
	switch a.mode {
	case viewList:
		a.table.SetHeight(h)
		b.WriteString(a.table.View())
	default:
		a.detail.Height = h
		b.WriteString(a.detail.View())
	}

	if a.filterMode {
		b.WriteString("\n")
		b.WriteString(styleDivider.Render(strings.Repeat("─", a.width)))
		b.WriteString("\n")
		b.WriteString(styleHelp.Render(" Filter: ") + a.filterInput.View())
	}

	b.WriteString("\n")
	switch {
	case a.notice != "" && time.Now().Before(a.noticeExp):
		b.WriteString(styleHelp.Width(a.width).Render(" " + a.notice))
	case a.mode == viewList:
		b.WriteString(styleHelp.Width(a.width).Render(
			" [f]ilter [p]lugin [s]can [r]eplay [c]url [d]clear [i]ntercept [q]uit  ⏎ detail"))
	default:
		b.WriteString(styleHelp.Width(a.width).Render(
			" [esc] back  [s]can [r]eplay [c]url  ↑↓/PgUp/PgDn scroll"))
	}
	return b.String()
}

func (a *App) title() string {
	proxyState := "proxy stopped"
	if a.proxyAddr != "" {
		proxyState = "proxy " + a.proxyAddr
	}
	parts := []string{
		"proxylite",
		proxyState,
		fmt.Sprintf("%d flows", a.store.Count()),
		"plugin: " + a.pluginLabel(),
	}
	if a.filterExpr != "" {
		parts = append(parts, "filter: "+a.filterExpr)
	}
	if a.deps.WebPort > 0 {
		parts = append(parts, fmt.Sprintf("web: http://localhost:%d", a.deps.WebPort))
	}
	return " " + strings.Join(parts, "  ")
}

// applyEvent keeps the local copy of the store in step.
func (a *App) applyEvent(evt flow.Event) {
	switch evt.Type {
	case flow.EventReset:
		a.all = nil
		a.mode = viewList
	case flow.EventRequest, flow.EventResponse:
		idx := int(evt.Record.Sequence) - 1
		switch {
		case idx < len(a.all):
			a.all[idx] = evt.Record
		case idx == len(a.all):
			a.all = append(a.all, evt.Record)
		default:
			// Missed events (dropped on a full channel); resync.
			a.all = a.store.Records()
		}
	}
	a.applyFilter()
	if a.mode == viewDetail {
		a.renderDetail()
	}
}

// applyFilter re-evaluates the filter against all known records.
func (a *App) applyFilter() {
	a.filtered = filter.Apply(a.filterParsed, a.all)
	a.rebuildTable()
}

func (a *App) rebuildTable() {
	rows := make([]table.Row, 0, len(a.filtered))
	for _, rec := range a.filtered {
		status := "…"
		if code, ok := rec.Status(); ok {
			status = strconv.Itoa(code)
		}
		rows = append(rows, table.Row{
			strconv.FormatInt(rec.Sequence, 10),
			rec.Host,
			rec.Method,
			rec.URL,
			status,
		})
	}
	a.table.SetRows(rows)
	// SetRows on an empty table leaves the cursor at -1.
	switch c := a.table.Cursor(); {
	case len(rows) == 0:
	case c < 0:
		a.table.SetCursor(0)
	case c >= len(rows):
		a.table.SetCursor(len(rows) - 1)
	}
}

func (a *App) selectedRecord() (flow.Record, bool) {
	c := a.table.Cursor()
	if c < 0 || c >= len(a.filtered) {
		return flow.Record{}, false
	}
	return a.filtered[c], true
}

func (a *App) renderDetail() {
	rec, ok := a.selectedRecord()
	if !ok {
		a.detail.SetContent("(no flow selected)")
		return
	}
	a.detail.SetContent(renderRecord(rec, a.width))
}

func (a *App) showOutput(content string) {
	a.mode = viewOutput
	a.detail.SetContent(content)
	a.detail.GotoTop()
}

// pluginChoices lists the units selectable with p.
func (a *App) pluginChoices() []plugin.Unit {
	return a.deps.Plugins.Enabled()
}

func (a *App) pluginLabel() string {
	units := a.pluginChoices()
	if a.pluginSel == 0 || a.pluginSel > len(units) {
		return "all"
	}
	return units[a.pluginSel-1].Name
}

func (a *App) cyclePlugin() {
	n := len(a.pluginChoices())
	a.pluginSel = (a.pluginSel + 1) % (n + 1)
	a.notify("plugin: " + a.pluginLabel())
}

func (a *App) scanSelected() tea.Cmd {
	rec, ok := a.selectedRecord()
	if !ok {
		a.notify("no flow selected")
		return nil
	}
	var unitID string
	if units := a.pluginChoices(); a.pluginSel > 0 && a.pluginSel <= len(units) {
		unitID = units[a.pluginSel-1].ID
	}
	a.notify(fmt.Sprintf("scanning #%d with %s…", rec.Sequence, a.pluginLabel()))
	ctx := a.ctx
	return func() tea.Msg {
		src := scan.FromRecord(rec)
		if unitID == "" {
			results, err := a.deps.Scanner.ScanAll(ctx, src)
			return scanDoneMsg{seq: rec.Sequence, results: results, err: err}
		}
		res, err := a.deps.Scanner.Scan(ctx, src, unitID)
		if err != nil {
			return scanDoneMsg{seq: rec.Sequence, err: err}
		}
		return scanDoneMsg{seq: rec.Sequence, results: []*scan.Result{res}}
	}
}

func (a *App) replaySelected() tea.Cmd {
	rec, ok := a.selectedRecord()
	if !ok {
		a.notify("no flow selected")
		return nil
	}
	a.notify(fmt.Sprintf("replaying %s %s", rec.Method, rec.URL))
	ctx := a.ctx
	return func() tea.Msg {
		resp, err := a.deps.Repeater.Replay(ctx, rec)
		if err != nil {
			return replayDoneMsg{seq: rec.Sequence, err: err}
		}
		return replayDoneMsg{seq: rec.Sequence, text: repeater.Render(resp)}
	}
}

func (a *App) copyAsCURL() {
	rec, ok := a.selectedRecord()
	if !ok {
		a.notify("no flow selected")
		return
	}
	if err := copyFunc(toCURL(rec)); err != nil {
		a.notify("clipboard error: " + err.Error())
		return
	}
	a.notify(fmt.Sprintf("copied #%d as cURL", rec.Sequence))
}

func (a *App) resetFlows() {
	if err := a.deps.Manager.Reset(); err != nil {
		if errors.Is(err, proxy.ErrRunning) {
			a.notify("stop the proxy ([i]) before clearing history")
			return
		}
		a.notify(err.Error())
		return
	}
	a.notify("cleared all flows")
}

func (a *App) toggleProxy() tea.Cmd {
	m := a.deps.Manager
	cfg := a.deps.ProxyConfig
	ctx := a.ctx
	return func() tea.Msg {
		if m.Running() {
			status, err := m.Stop(ctx)
			return proxyToggledMsg{status: status, err: err}
		}
		status, err := m.Start(cfg)
		return proxyToggledMsg{status: status, err: err}
	}
}

func (a *App) refreshProxy() {
	a.proxyAddr, _ = a.deps.Manager.Addr()
}

// notify sets a brief status notice.
func (a *App) notify(msg string) {
	a.notice = msg
	a.noticeExp = time.Now().Add(3 * time.Second)
}

// resize adjusts sub-model dimensions to match the terminal.
func (a *App) resize() {
	cols := a.table.Columns()
	// Give the remaining width to the URL column.
	if extra := a.width - 5 - 24 - 8 - 7 - 12; extra > 20 {
		cols[3].Width = extra
	}
	a.table.SetColumns(cols)
	a.table.SetHeight(a.height - 4)
	a.detail.Width = a.width
	a.detail.Height = a.height - 4
	a.filterInput.Width = a.width - 12
}

// Close releases the store subscription.
func (a *App) Close() {
	a.store.Unsubscribe(a.eventCh)
}

// Run starts the Bubbletea program, blocking until the user quits or ctx
// is cancelled.
func Run(ctx context.Context, deps Deps) error {
	app := New(ctx, deps)
	defer app.Close()
	p := tea.NewProgram(app, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
