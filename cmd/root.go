// Package cmd wires the harvest CLI.
package cmd

import (
	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "A polite, resumable, multi-domain crawl engine.",
		Long: `harvest fetches pages from a configured set of news and forum domains,
breadth first, one in-flight request per domain, honoring robots.txt and
per-domain delays. Progress is checkpointed continuously so an interrupted
crawl resumes where it stopped without refetching.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// Execute runs the CLI.
func Execute() error {
	return newRootCmd().Execute()
}
