package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/fidiego/proxylite/pkg/plugin"
)

var pluginCmd = &cobra.Command{
	Use:   "plugin",
	Short: "Manage scan plugins",
}

var pluginListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the plugins found in the plugin directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		svc, done, err := oneShot(cmd)
		if err != nil {
			return err
		}
		defer done()

		out := cmd.OutOrStdout()
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tAUTHOR\tVERSION\tLOADED")
		for _, u := range svc.plugins.List() {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", u.ID, u.Name, u.Author, u.Version, humanize.Time(u.LoadedAt))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		for _, f := range svc.plugins.Failures() {
			fmt.Fprintf(out, "failed: %s (%s): %s\n", f.Unit, f.Path, f.Reason())
		}
		return nil
	},
}

var (
	flagNewAuthor      string
	flagNewDescription string
)

var pluginNewCmd = &cobra.Command{
	Use:   "new NAME",
	Short: "Scaffold a new plugin in the plugin directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		path, err := plugin.Scaffold(cfg.PluginDir, plugin.ScaffoldOptions{
			Name:        args[0],
			Author:      flagNewAuthor,
			Description: flagNewDescription,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", path)
		return nil
	},
}

var pluginAddCmd = &cobra.Command{
	Use:   "add PATH",
	Short: "Copy a plugin file or directory into the plugin directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, done, err := oneShot(cmd)
		if err != nil {
			return err
		}
		defer done()

		u, err := svc.plugins.Install(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "installed %s (%s) at %s\n", u.Name, u.ID, u.Path)
		return nil
	},
}

func init() {
	pluginNewCmd.Flags().StringVar(&flagNewAuthor, "author", "", "plugin author")
	pluginNewCmd.Flags().StringVar(&flagNewDescription, "description", "", "plugin description")
	pluginCmd.AddCommand(pluginListCmd, pluginNewCmd, pluginAddCmd)
}

// oneShot builds the services for a command that does not run the proxy.
// done releases the logger.
func oneShot(cmd *cobra.Command) (*services, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	log, closer, err := quietLogger(cfg, cmd)
	if err != nil {
		return nil, nil, err
	}
	svc, err := build(cmd.Context(), cfg, log)
	if err != nil {
		closer.Close()
		return nil, nil, err
	}
	return svc, func() { closer.Close() }, nil
}
