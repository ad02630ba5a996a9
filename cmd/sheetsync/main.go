package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/JonMunkholm/sheetsync/internal/config"
	"github.com/JonMunkholm/sheetsync/internal/core"
	"github.com/JonMunkholm/sheetsync/internal/logging"
	"github.com/JonMunkholm/sheetsync/internal/sheet"
	"github.com/JonMunkholm/sheetsync/internal/store"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

// options holds the persistent flags.
type options struct {
	jsonOutput bool
	logLevel   string
}

func main() {
	godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "sheetsync",
		Short: "Reconcile spreadsheet responses against a datastore",
		Long: `sheetsync reads an .xlsx, .xlsm or .csv file of ID/Response/Notes rows,
looks up each ID in the configured datastore and writes the response
and notes onto the matching record.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Logs go to stderr so --json output stays clean.
			logging.SetupWriter(cmd.ErrOrStderr(), opts.logLevel, "text")
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&opts.jsonOutput, "json", "j", false, "Output as JSON")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(
		newVersionCmd(opts),
		newExtractCmd(opts),
		newRunCmd(opts),
		newHistoryCmd(opts),
	)
	return rootCmd
}

func newVersionCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]string{
					"version": version,
					"commit":  commit,
					"date":    buildDate,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sheetsync %s (%s, %s)\n", version, commit, buildDate)
			return nil
		},
	}
}

// extractResult is the output of the extract command.
type extractResult struct {
	File    string                  `json:"file"`
	Sheet   string                  `json:"sheet,omitempty"`
	Stats   core.ExtractStats       `json:"stats"`
	Records []core.NormalizedRecord `json:"records"`
}

func extractFile(path string) (*extractResult, error) {
	decoded, err := sheet.DecodeFile(path)
	if err != nil {
		return nil, err
	}
	records, stats, err := core.ExtractWithStats(decoded.Rows)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", path, err)
	}
	return &extractResult{
		File:    filepath.Base(path),
		Sheet:   decoded.Sheet,
		Stats:   stats,
		Records: records,
	}, nil
}

func newExtractCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "extract FILE",
		Short: "Print the records a file would produce, without touching the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := extractFile(args[0])
			if err != nil {
				return userError(err)
			}

			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				return printJSON(out, res)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tRESPONSE\tNOTES")
			for _, r := range res.Records {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", r.ID, r.Response, r.Notes)
			}
			tw.Flush()
			fmt.Fprintf(out, "\n%d records from %d data rows (%d skipped)\n",
				res.Stats.Emitted, res.Stats.DataRows, res.Stats.Skipped)
			return nil
		},
	}
}

// lineObserver prints one line per reconciled record. The engine reports
// the status before the progress, so the line is written on OnProgress.
type lineObserver struct {
	w    io.Writer
	last core.StatusUpdate
}

func (o *lineObserver) OnStatus(u core.StatusUpdate) { o.last = u }

func (o *lineObserver) OnProgress(p int) {
	fmt.Fprintf(o.w, "[%3d%%] %-7s %s\n", p, o.last.Severity, o.last.Text)
}

func (o *lineObserver) OnComplete(core.BatchSummary) {}

// runResult is the output of the run command.
type runResult struct {
	RunID   string            `json:"run_id"`
	File    string            `json:"file"`
	Sheet   string            `json:"sheet,omitempty"`
	Extract core.ExtractStats `json:"extract"`
	Summary core.BatchSummary `json:"summary"`
}

func newRunCmd(opts *options) *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Reconcile a file against the configured store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			res, err := extractFile(args[0])
			if err != nil {
				return userError(err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			backend, err := store.Open(ctx, cfg.Store, cfg.Reconcile.IDField)
			if err != nil {
				return err
			}
			defer backend.Close()

			// Progress lines go to stderr when stdout carries JSON.
			var obs core.Observer = &lineObserver{w: cmd.OutOrStdout()}
			if opts.jsonOutput {
				obs = &lineObserver{w: cmd.ErrOrStderr()}
			}

			runID := uuid.NewString()
			engine := core.NewEngine(backend, core.EngineConfigFrom(cfg.Reconcile))

			started := time.Now()
			summary := engine.Run(logging.WithRunID(ctx, runID), res.Records, obs)
			finished := time.Now()

			record := core.NewRunRecord(runID, res.File, summary, started, finished)
			if err := backend.RecordRun(context.WithoutCancel(ctx), record); err != nil {
				logging.FromContext(ctx).Warn("failed to record run history", "error", err)
			}

			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				if err := printJSON(out, runResult{
					RunID:   runID,
					File:    res.File,
					Sheet:   res.Sheet,
					Extract: res.Stats,
					Summary: summary,
				}); err != nil {
					return err
				}
			} else {
				printSummary(out, summary, finished.Sub(started))
			}

			if strict && summary.Failed > 0 {
				return fmt.Errorf("%d of %d records failed", summary.Failed, summary.Total)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "Exit non-zero when any record fails")
	return cmd
}

func printSummary(w io.Writer, s core.BatchSummary, elapsed time.Duration) {
	fmt.Fprintf(w, "\n%d records: %d updated, %d failed (%s)\n",
		s.Total, s.Succeeded, s.Failed, elapsed.Round(time.Millisecond))
	counts := s.CountByKind()
	for _, kind := range []core.OutcomeKind{core.OutcomeNotFound, core.OutcomeAccessError, core.OutcomeNoOp, core.OutcomeUpdateFailed} {
		if n := counts[kind]; n > 0 {
			msg := core.OutcomeMessage(kind)
			fmt.Fprintf(w, "  %-14s %d  %s (%s)\n", kind, n, msg.Message, msg.Code)
		}
	}
}

func newHistoryCmd(opts *options) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			backend, err := store.Open(cmd.Context(), cfg.Store, cfg.Reconcile.IDField)
			if err != nil {
				return err
			}
			defer backend.Close()

			runs, err := backend.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				if runs == nil {
					runs = []core.RunRecord{}
				}
				return printJSON(out, runs)
			}
			printRuns(out, runs)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum runs to show (0 for all)")
	return cmd
}

func printRuns(w io.Writer, runs []core.RunRecord) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FINISHED\tFILE\tTOTAL\tUPDATED\tFAILED\tDURATION\tRUN")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			r.FinishedAt.Local().Format("2006-01-02 15:04:05"),
			r.FileName, r.Total, r.Succeeded, r.Failed,
			r.Duration().Round(time.Millisecond), r.ID)
	}
	tw.Flush()
}

// userError replaces a technical error with its user-facing message when
// one is known.
func userError(err error) error {
	if core.IsUserFacing(err) {
		return fmt.Errorf("%s: %w", core.FormatUserError(err), err)
	}
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
