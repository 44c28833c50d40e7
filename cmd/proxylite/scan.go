package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/tidwall/pretty"

	"github.com/fidiego/proxylite/pkg/exchange"
	"github.com/fidiego/proxylite/pkg/scan"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run plugins against a request described on the command line",
	Long: `Run one plugin (--plugin) or every enabled plugin against an ad hoc
request/response pair.

Example:
  proxylite scan --plugin cors --url https://example.com/ \
    --response-header "Access-Control-Allow-Origin: *"`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	flagScanPlugin      string
	flagScanMethod      string
	flagScanURL         string
	flagScanHeaders     []string
	flagScanBody        string
	flagScanStatus      int
	flagScanRespHeaders []string
	flagScanRespBody    string
	flagScanJSON        bool
)

func init() {
	f := scanCmd.Flags()
	f.StringVar(&flagScanPlugin, "plugin", "", "plugin id or name to run (default: all enabled plugins)")
	f.StringVar(&flagScanMethod, "method", "GET", "request method")
	f.StringVar(&flagScanURL, "url", "", "request URL")
	f.StringArrayVar(&flagScanHeaders, "header", nil, "request header in 'Name: value' form; repeatable")
	f.StringVar(&flagScanBody, "body", "", "request body")
	f.IntVar(&flagScanStatus, "status", 200, "response status code")
	f.StringArrayVar(&flagScanRespHeaders, "response-header", nil, "response header in 'Name: value' form; repeatable")
	f.StringVar(&flagScanRespBody, "response-body", "", "response body")
	f.BoolVar(&flagScanJSON, "json", false, "print results as JSON")
	_ = scanCmd.MarkFlagRequired("url")
}

func runScan(cmd *cobra.Command, _ []string) error {
	reqHeaders, err := parseHeaders(flagScanHeaders)
	if err != nil {
		return err
	}
	respHeaders, err := parseHeaders(flagScanRespHeaders)
	if err != nil {
		return err
	}

	svc, done, err := oneShot(cmd)
	if err != nil {
		return err
	}
	defer done()

	src := scan.FromLiteral(exchange.Literal{
		Method:         flagScanMethod,
		URL:            flagScanURL,
		Headers:        reqHeaders,
		Body:           flagScanBody,
		StatusCode:     flagScanStatus,
		ResponseHeader: respHeaders,
		ResponseBody:   flagScanRespBody,
	})

	ctx := cmd.Context()
	var results []*scan.Result
	if flagScanPlugin == "" {
		results, err = svc.scanner.ScanAll(ctx, src)
		if err != nil {
			return err
		}
	} else {
		u, err := svc.plugins.Match(flagScanPlugin)
		if err != nil {
			return err
		}
		res, err := svc.scanner.Scan(ctx, src, u.ID)
		if err != nil {
			return err
		}
		results = []*scan.Result{res}
	}

	out := cmd.OutOrStdout()
	if flagScanJSON {
		data, err := json.Marshal(results)
		if err != nil {
			return err
		}
		_, err = out.Write(pretty.Pretty(data))
		return err
	}
	printResults(out, results)
	for _, r := range results {
		if !r.OK() {
			return fmt.Errorf("%d of %d plugin(s) failed", countFailed(results), len(results))
		}
	}
	return nil
}

// parseHeaders converts "Name: value" pairs into a map.
func parseHeaders(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	h := make(map[string]string, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q: expected 'Name: value'", p)
		}
		h[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return h, nil
}

func printResults(w io.Writer, results []*scan.Result) {
	ok := color.New(color.FgGreen)
	bad := color.New(color.FgRed)
	faint := color.New(color.Faint)

	if len(results) == 0 {
		fmt.Fprintln(w, "no enabled plugins")
		return
	}
	for _, r := range results {
		if r.OK() {
			ok.Fprint(w, "PASS")
			fmt.Fprintf(w, " %s ", r.Name)
			faint.Fprintln(w, r.Duration)
		} else {
			bad.Fprint(w, "FAIL")
			fmt.Fprintf(w, " %s: %s\n", r.Name, r.Err.Message)
		}
		keys := make([]string, 0, len(r.Annotations))
		for k := range r.Annotations {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %s: %s\n", k, r.Annotations[k])
		}
		for _, line := range r.Logs {
			faint.Fprintf(w, "  | %s\n", line)
		}
	}
}

func countFailed(results []*scan.Result) int {
	n := 0
	for _, r := range results {
		if !r.OK() {
			n++
		}
	}
	return n
}
