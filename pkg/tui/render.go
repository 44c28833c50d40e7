package tui

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	chromastyles "github.com/alecthomas/chroma/v2/styles"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/fidiego/proxylite/pkg/flow"
	"github.com/fidiego/proxylite/pkg/scan"
)

// renderRecord shows the raw request and response texts of rec.
func renderRecord(rec flow.Record, width int) string {
	var b strings.Builder

	status := styleFaint.Render("pending")
	if code, ok := rec.Status(); ok {
		status = lipgloss.NewStyle().Foreground(statusColor(code)).Bold(true).Render(fmt.Sprint(code))
	}
	size := 0
	if rec.RawResponse != nil {
		size = len(rec.RawResponse.Body)
	}
	fmt.Fprintf(&b, "#%d %s %s  %s  %s  %s\n",
		rec.Sequence, styleKeyword.Render(rec.Method), rec.URL, status,
		humanize.Bytes(uint64(size)), styleFaint.Render(humanize.Time(rec.Created)))
	b.WriteString(styleDivider.Render(strings.Repeat("─", max(width, 1))))
	b.WriteString("\n")

	b.WriteString(styleSectionTitle.Render("Request"))
	b.WriteString("\n")
	b.WriteString(highlight(rec.RequestText(), "http"))
	b.WriteString("\n")
	b.WriteString(styleSectionTitle.Render("Response"))
	b.WriteString("\n")
	if rec.Pending() {
		b.WriteString(styleFaint.Render(rec.ResponseText()))
	} else {
		b.WriteString(highlight(rec.ResponseText(), "http"))
	}
	return b.String()
}

// renderResults formats scan results for the output pane.
func renderResults(seq int64, results []*scan.Result) string {
	var b strings.Builder
	b.WriteString(styleSectionTitle.Render(fmt.Sprintf("Scan results for flow #%d", seq)))
	b.WriteString("\n\n")
	if len(results) == 0 {
		b.WriteString(styleFaint.Render("No enabled plugins."))
		return b.String()
	}
	for _, r := range results {
		if r.OK() {
			fmt.Fprintf(&b, "%s %s %s\n", styleOK.Render("✓"), r.Name, styleFaint.Render(r.Duration.String()))
		} else {
			fmt.Fprintf(&b, "%s %s: %s\n", styleError.Render("✗"), r.Name, r.Err.Message)
		}
		keys := make([]string, 0, len(r.Annotations))
		for k := range r.Annotations {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "    %s: %s\n", styleKeyword.Render(k), r.Annotations[k])
		}
		for _, line := range r.Logs {
			fmt.Fprintf(&b, "    %s\n", styleFaint.Render(line))
		}
	}
	return b.String()
}

// highlight applies chroma syntax highlighting to source.
func highlight(source, lexerName string) string {
	lexer := lexers.Get(lexerName)
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	style := chromastyles.Get("monokai")
	if style == nil {
		style = chromastyles.Fallback
	}
	formatter := formatters.Get("terminal256")
	if formatter == nil {
		formatter = formatters.Fallback
	}

	iterator, err := lexer.Tokenise(nil, source)
	if err != nil {
		return source
	}
	var buf bytes.Buffer
	if err := formatter.Format(&buf, style, iterator); err != nil {
		return source
	}
	return buf.String()
}

// toCURL renders the request half of rec as a curl command.
func toCURL(rec flow.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "curl -X %s %s", rec.Method, shellQuote(rec.URL))
	if raw := rec.RawRequest; raw != nil {
		keys := make([]string, 0, len(raw.Headers))
		for k := range raw.Headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			switch strings.ToLower(k) {
			case "connection", "proxy-connection", "transfer-encoding", "content-length":
				continue
			}
			for _, v := range raw.Headers[k] {
				fmt.Fprintf(&b, " \\\n  -H %s", shellQuote(k+": "+v))
			}
		}
		if len(raw.Body) > 0 {
			fmt.Fprintf(&b, " \\\n  --data-raw %s", shellQuote(string(raw.Body)))
		}
	}
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
