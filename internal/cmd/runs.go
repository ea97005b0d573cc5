package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/JohnDHoinville/vpat-report-sub001/internal/report"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect stored crawl runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list [crawler-id]",
	Short: "List runs, newest first",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		crawlerID := ""
		if len(args) > 0 {
			crawlerID = args[0]
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			runs, err := a.store.ListRuns(ctx, crawlerID, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tCRAWLER\tSTATUS\tPAGES\tFAILED\tSTARTED")
			for _, r := range runs {
				started := "-"
				if !r.StartedAt.IsZero() {
					started = r.StartedAt.Local().Format(time.DateTime)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
					r.ID, r.CrawlerID, r.Status, r.PagesDiscovered, r.PagesFailed, started)
			}
			return tw.Flush()
		})
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one run in YAML",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			run, err := a.store.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(run)
			if err != nil {
				return fmt.Errorf("failed to marshal run: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		})
	},
}

var reportCmd = &cobra.Command{
	Use:   "report <run-id>",
	Short: "Write a Markdown report for a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			run, err := a.store.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			pages, err := a.store.ListPages(ctx, run.ID)
			if err != nil {
				return err
			}

			var w io.Writer = cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("failed to create report file: %w", err)
				}
				defer func() { _ = f.Close() }()
				w = f
			}
			return report.NewWriter(w).Write(run, pages)
		})
	},
}

var crawlersCmd = &cobra.Command{
	Use:   "crawlers",
	Short: "Inspect stored crawler definitions",
}

var crawlersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List crawler definitions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			crawlers, err := a.store.ListCrawlers(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tBASE URL\tAUTH\tENGINE")
			for _, c := range crawlers {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", c.ID, c.Name, c.BaseURL, c.Auth.Type, c.Engine)
			}
			return tw.Flush()
		})
	},
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage persisted browser sessions",
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear <crawler-id>",
	Short: "Forget the saved session of a crawler",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.sessions.Clear(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared session for crawler %s\n", args[0])
			return nil
		})
	},
}

func init() {
	runsListCmd.Flags().IntP("limit", "n", 20, "Maximum number of runs (0=all)")
	reportCmd.Flags().StringP("output", "o", "", "Write the report to a file instead of stdout")

	runsCmd.AddCommand(runsListCmd, runsShowCmd)
	crawlersCmd.AddCommand(crawlersListCmd)
	sessionCmd.AddCommand(sessionClearCmd)
	rootCmd.AddCommand(runsCmd, reportCmd, crawlersCmd, sessionCmd)
}

// withApp loads settings, opens the app and runs fn with it.
func withApp(cmd *cobra.Command, fn func(context.Context, *app) error) error {
	settings, err := loadSettings(cmd, nil)
	if err != nil {
		return err
	}
	a, err := openApp(settings)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, a)
}
