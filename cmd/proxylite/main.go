package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fidiego/proxylite/pkg/addons"
	"github.com/fidiego/proxylite/pkg/archive"
	"github.com/fidiego/proxylite/pkg/config"
	"github.com/fidiego/proxylite/pkg/exchange"
	"github.com/fidiego/proxylite/pkg/flow"
	"github.com/fidiego/proxylite/pkg/metrics"
	"github.com/fidiego/proxylite/pkg/plugin"
	"github.com/fidiego/proxylite/pkg/proxy"
	"github.com/fidiego/proxylite/pkg/repeater"
	"github.com/fidiego/proxylite/pkg/scan"
	"github.com/fidiego/proxylite/pkg/tui"
	"github.com/fidiego/proxylite/pkg/web"
)

// sendTimeout bounds outbound requests made by the repeater and by plugins.
const sendTimeout = 30 * time.Second

var rootCmd = &cobra.Command{
	Use:   "proxylite",
	Short: "Intercepting HTTP proxy with scriptable scan plugins",
	Long: `proxylite records HTTP traffic passing through it and runs JavaScript
plugins against the captured flows.

Config file (proxylite.yml) is loaded automatically from the current directory.
CLI flags override config file values.

Examples:
  # Forward proxy on 127.0.0.1:8080
  proxylite

  # Reverse proxy with path routing
  proxylite --route /api=http://localhost:8081 --route /=http://localhost:3000

  # Scan every completed flow with the enabled plugins
  proxylite --auto-scan --plugin-dir ./plugins

  # Print an example config file
  proxylite init`,
	SilenceUsage: true,
	RunE:         run,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Print an example proxylite.yml to stdout",
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, err := fmt.Fprint(cmd.OutOrStdout(), config.Example())
		return err
	},
}

var (
	flagConfig      string
	flagListenHost  string
	flagListenPort  int
	flagUpstream    string
	flagRoutes      []string
	flagWebPort     int
	flagPluginDir   string
	flagActiveScans bool
	flagAutoScan    bool
	flagArchive     string
	flagNoTUI       bool
	flagNoColor     bool
	flagLogLevel    string
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "",
		"path to config file (default: proxylite.yml in current directory)")
	pf.StringVar(&flagPluginDir, "plugin-dir", "",
		"plugin directory (default: ./plugins)")
	pf.StringVar(&flagLogLevel, "log-level", "",
		"log level: debug, info, warn or error")

	f := rootCmd.Flags()
	f.StringVar(&flagListenHost, "listen-host", "",
		"proxy listen host (default: 127.0.0.1)")
	f.IntVar(&flagListenPort, "listen-port", 0,
		"proxy listen port (default: 8080)")
	f.StringVar(&flagUpstream, "upstream", "",
		"single catch-all upstream URL; switches to reverse-proxy mode")
	f.StringArrayVar(&flagRoutes, "route", nil,
		"path-routed upstream in PREFIX=TARGET form (e.g. /api=http://localhost:8081); repeatable")
	f.IntVar(&flagWebPort, "web-port", 0,
		"port for the web API and UI (default: 9091; set to 0 to disable)")
	f.BoolVar(&flagActiveScans, "active-scans", false,
		"allow plugins to send outbound requests")
	f.BoolVar(&flagAutoScan, "auto-scan", false,
		"run every enabled plugin against each completed flow")
	f.StringVar(&flagArchive, "archive", "",
		"persist flows to this SQLite file")
	f.BoolVar(&flagNoTUI, "no-tui", false,
		"disable the interactive terminal UI (log flows to stdout)")
	f.BoolVar(&flagNoColor, "no-color", false,
		"disable ANSI colours in log output")

	rootCmd.AddCommand(initCmd, pluginCmd, scanCmd, historyCmd)
}

// loadConfig resolves the config file and applies the persistent flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	path := flagConfig
	if path == "" {
		path = config.FindDefault(".")
	}
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	f := cmd.Flags()
	if f.Changed("plugin-dir") {
		cfg.PluginDir = flagPluginDir
	}
	if f.Changed("log-level") {
		cfg.LogLevel = flagLogLevel
	}
	return cfg, nil
}

// applyRunFlags overrides cfg with the flags explicitly set on the root command.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	if f.Changed("listen-host") {
		cfg.ListenHost = flagListenHost
	}
	if f.Changed("listen-port") {
		cfg.ListenPort = flagListenPort
	}
	if f.Changed("web-port") {
		cfg.WebPort = flagWebPort
	}
	if f.Changed("active-scans") {
		cfg.ActiveScans = flagActiveScans
	}
	if f.Changed("auto-scan") {
		cfg.AutoScan = flagAutoScan
	}
	if f.Changed("archive") {
		cfg.Archive = flagArchive
	}
	if f.Changed("no-tui") {
		cfg.NoTUI = flagNoTUI
	}
	if f.Changed("no-color") {
		cfg.NoColor = flagNoColor
	}

	// --upstream and --route replace (not merge with) the config file's
	// upstreams when either flag is explicitly provided.
	if f.Changed("upstream") || f.Changed("route") {
		upstreams, err := parseRoutes(flagRoutes)
		if err != nil {
			return err
		}
		cfg.Upstream = flagUpstream
		cfg.Upstreams = upstreams
	}
	return cfg.Validate()
}

// parseRoutes converts PREFIX=TARGET flags into upstreams.
func parseRoutes(routes []string) ([]proxy.Upstream, error) {
	var upstreams []proxy.Upstream
	for _, r := range routes {
		prefix, target, ok := strings.Cut(r, "=")
		if !ok || prefix == "" || target == "" {
			return nil, fmt.Errorf("invalid --route %q: expected PREFIX=TARGET", r)
		}
		name := strings.Trim(prefix, "/")
		if name == "" {
			name = "default"
		}
		upstreams = append(upstreams, proxy.Upstream{
			Name:   name,
			Prefix: prefix,
			Target: target,
		})
	}
	return upstreams, nil
}

// services bundles the components shared by run and the one-shot commands.
type services struct {
	cfg      *config.Config
	log      *logrus.Logger
	metrics  *metrics.Metrics
	store    *flow.Store
	manager  *proxy.Manager
	plugins  *plugin.Registry
	scanner  *scan.Orchestrator
	repeater *repeater.Repeater
}

// build wires the components described by cfg and discovers plugins.
func build(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*services, error) {
	m := metrics.New(nil)
	store := flow.NewStore(log, flow.WithMetrics(m))
	mgr := proxy.NewManager(store, log,
		proxy.WithStopTimeout(cfg.StopTimeout),
		proxy.WithMetrics(m),
	)

	reg := plugin.NewRegistry(log,
		plugin.PreserveState(cfg.PreservePluginState),
		plugin.WithMetrics(m),
	)
	if err := os.MkdirAll(cfg.PluginDir, 0o755); err != nil {
		return nil, fmt.Errorf("create plugin directory: %w", err)
	}
	if err := reg.Discover(ctx, cfg.PluginDir); err != nil {
		return nil, fmt.Errorf("discover plugins: %w", err)
	}

	sender := exchange.NewHTTPSender(sendTimeout, cfg.MaxBodySize)
	scanOpts := []scan.Option{scan.WithTimeout(cfg.PluginTimeout), scan.WithMetrics(m)}
	if cfg.ActiveScans {
		scanOpts = append(scanOpts, scan.WithSender(sender))
	}

	return &services{
		cfg:      cfg,
		log:      log,
		metrics:  m,
		store:    store,
		manager:  mgr,
		plugins:  reg,
		scanner:  scan.New(reg, log, scanOpts...),
		repeater: repeater.New(sender, log),
	}, nil
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := applyRunFlags(cmd, cfg); err != nil {
		return err
	}

	tuiActive := !cfg.NoTUI && isTerminal()
	log, closer, err := cfg.NewLogger(tuiActive)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}

	addonMgr := proxy.NewAddonManager(log)
	if !tuiActive {
		addonMgr.Add(addons.NewLogAddon(os.Stdout, cfg.NoColor))
	}
	if cfg.Archive != "" {
		arc, err := archive.Open(cfg.Archive)
		if err != nil {
			return err
		}
		defer arc.Close()
		log.WithField("session", arc.Session()).Infof("Archiving flows to %s", cfg.Archive)
		addonMgr.Add(addons.NewArchiveAddon(arc, log))
	}
	var autoScan *addons.AutoScanAddon
	if cfg.AutoScan {
		autoScan = addons.NewAutoScanAddon(ctx, svc.scanner, cfg.AutoScanWorkers, nil, log)
		addonMgr.Add(autoScan)
	}

	proxyCfg := cfg.ToProxyConfig()
	if _, err := svc.manager.Start(proxyCfg); err != nil {
		return err
	}
	if addr, err := svc.manager.Addr(); err == nil && !tuiActive {
		fmt.Fprintf(os.Stderr, "proxy listening on %s\n", addr)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return addonMgr.Run(ctx, svc.store)
	})

	if cfg.WatchPlugins {
		g.Go(func() error {
			return svc.plugins.Watch(ctx, plugin.DefaultDebounce)
		})
	}

	if cfg.WebPort > 0 {
		webSrv := web.New(web.Deps{
			Manager:     svc.manager,
			Plugins:     svc.plugins,
			Scanner:     svc.scanner,
			Repeater:    svc.repeater,
			Metrics:     svc.metrics,
			ProxyConfig: proxyCfg,
		}, cfg.ListenHost, cfg.WebPort, log)
		g.Go(func() error {
			return webSrv.Start(ctx)
		})
	}

	if tuiActive {
		g.Go(func() error {
			// Quitting the TUI ends the whole program.
			defer cancel()
			return tui.Run(ctx, tui.Deps{
				Manager:     svc.manager,
				Plugins:     svc.plugins,
				Scanner:     svc.scanner,
				Repeater:    svc.repeater,
				ProxyConfig: proxyCfg,
				WebPort:     cfg.WebPort,
			})
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		_, err := svc.manager.Stop(context.Background())
		if autoScan != nil {
			autoScan.Wait()
		}
		return err
	})

	return g.Wait()
}

func isTerminal() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

// quietLogger builds the logger for one-shot commands; only warnings reach
// stderr unless --log-level says otherwise.
func quietLogger(cfg *config.Config, cmd *cobra.Command) (*logrus.Logger, io.Closer, error) {
	if !cmd.Flags().Changed("log-level") {
		cfg.LogLevel = "warn"
	}
	return cfg.NewLogger(false)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
