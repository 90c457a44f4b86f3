package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/maintops/internal/refresh"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Reschedule and purchase data refresh",
	Long:  "Extracts reschedules and purchase line items from the ERP, classifies them and reloads the reporting tables.",
}

var refreshRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one refresh in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("refresh"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var recorder refresh.RunRecorder
		if cfg.Refresh.History {
			pool, err := destPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			recorder = refresh.NewHistory(pool)
		}

		pipeline, err := newPipeline(recorder)
		if err != nil {
			return err
		}

		result, err := pipeline.Run(ctx, logProgress(zap.L()))
		if err != nil {
			return eris.Wrap(err, "refresh run")
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

var refreshStatusLimit int

var refreshStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show refresh history",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("migrate"); err != nil {
			return err
		}
		ctx := cmd.Context()

		pool, err := destPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		history := refresh.NewHistory(pool)
		entries, err := history.ListRecent(ctx, refreshStatusLimit)
		if err != nil {
			return eris.Wrap(err, "refresh status")
		}
		if len(entries) == 0 {
			zap.L().Info("no refresh runs recorded, run 'refresh run' or POST /query/actualizar/iniciar")
			return nil
		}

		last, err := history.LastSuccess(ctx)
		if err != nil {
			return eris.Wrap(err, "refresh status")
		}

		formatLastSuccess(cmd.OutOrStdout(), last, time.Now())
		formatRunEntries(cmd.OutOrStdout(), entries)
		return nil
	},
}

func init() {
	refreshStatusCmd.Flags().IntVar(&refreshStatusLimit, "limit", 20, "number of runs to show")
	refreshCmd.AddCommand(refreshRunCmd, refreshStatusCmd)
	rootCmd.AddCommand(refreshCmd)
}

// logProgress logs each progress report.
func logProgress(log *zap.Logger) refresh.Progress {
	log = log.With(zap.String("component", "refresh.progress"))
	return refresh.ProgressFunc(func(u refresh.Update) {
		fields := make([]zap.Field, 0, 2)
		if u.Step != nil {
			fields = append(fields, zap.String("paso", *u.Step))
		}
		if u.Percent != nil {
			fields = append(fields, zap.Int("progreso", *u.Percent))
		}
		log.Info("progress", fields...)
	})
}

// formatLastSuccess writes the start time of the last completed run and how
// long ago it was.
func formatLastSuccess(out io.Writer, last *time.Time, now time.Time) {
	if last == nil {
		_, _ = fmt.Fprintln(out, "Last successful refresh: never")
		_, _ = fmt.Fprintln(out)
		return
	}
	ago := now.Sub(*last).Round(time.Minute)
	_, _ = fmt.Fprintf(out, "Last successful refresh: %s (%s ago)\n\n", last.Format("2006-01-02 15:04"), ago)
}

// formatRunEntries writes a tabular representation of refresh runs to out.
func formatRunEntries(out io.Writer, entries []refresh.RunEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tSTARTED\tDURATION\tREPROG\tMOTIVOS\tITEMS\tERROR")
	_, _ = fmt.Fprintln(w, "--\t------\t-------\t--------\t------\t-------\t-----\t-----")

	for _, e := range entries {
		dur := "-"
		if e.CompletedAt != nil {
			dur = e.CompletedAt.Sub(e.StartedAt).Round(time.Second).String()
		}

		reprog, motivos, items := "-", "-", "-"
		if e.Result != nil {
			reprog = fmt.Sprintf("%d", e.Result.Reprogramaciones.ReschedulesLoaded)
			motivos = fmt.Sprintf("%d", e.Result.Compras.ReasonsInserted)
			items = fmt.Sprintf("%d", e.Result.Compras.ItemsInserted)
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(e.ID),
			e.Status,
			e.StartedAt.Format("2006-01-02 15:04"),
			dur,
			reprog,
			motivos,
			items,
			truncate(e.Error, 60),
		)
	}
	_ = w.Flush()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
