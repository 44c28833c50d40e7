package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/fidiego/proxylite/pkg/archive"
)

var (
	flagHistoryLimit   int
	flagHistorySearch  string
	flagHistoryArchive string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show flows persisted to the archive",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		path := cfg.Archive
		if flagHistoryArchive != "" {
			path = flagHistoryArchive
		}
		if path == "" {
			return fmt.Errorf("no archive configured (set archive in the config file or pass --archive)")
		}

		arc, err := archive.Open(path)
		if err != nil {
			return err
		}
		defer arc.Close()

		var entries []archive.Entry
		if flagHistorySearch != "" {
			entries, err = arc.Search(flagHistorySearch, flagHistoryLimit)
		} else {
			entries, err = arc.List(flagHistoryLimit, 0)
		}
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "WHEN\tSESSION\t#\tMETHOD\tSTATUS\tURL")
		for _, e := range entries {
			status := "-"
			if e.StatusCode != 0 {
				status = fmt.Sprint(e.StatusCode)
			}
			fmt.Fprintf(tw, "%s\t%.8s\t%d\t%s\t%s\t%s\n",
				humanize.Time(e.Created), e.Session, e.Sequence, e.Method, status, e.URL)
		}
		return tw.Flush()
	},
}

func init() {
	historyCmd.Flags().IntVar(&flagHistoryLimit, "limit", archive.DefaultLimit, "maximum number of flows to show")
	historyCmd.Flags().StringVar(&flagHistorySearch, "search", "", "only show flows whose URL contains this text")
	historyCmd.Flags().StringVar(&flagHistoryArchive, "archive", "", "SQLite archive to read (default: archive from config)")
}
