package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"bulkimg/internal/models"
	"bulkimg/internal/storage"
)

func newSubmissionsCommand(ctx *commandContext) *cobra.Command {
	var (
		statusFlag string
		olderThan  time.Duration
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "submissions",
		Short: "List submissions, e.g. ones stuck in processing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := models.SubmissionFilter{Limit: limit}
			if strings.TrimSpace(statusFlag) != "" {
				status, ok := models.ParseStatus(statusFlag)
				if !ok {
					return fmt.Errorf("unknown status %q (want processing or completed)", statusFlag)
				}
				filter.Status = status
			}
			now := time.Now().UTC()
			if olderThan > 0 {
				filter.CreatedBefore = now.Add(-olderThan)
			}

			store, err := storage.Open(cmd.Context(), ctx.cfg.Database, ctx.log)
			if err != nil {
				return err
			}
			defer store.Close()

			subs, err := store.ListSubmissions(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if len(subs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No submissions found")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderSubmissions(subs, now))
			return nil
		},
	}

	cmd.Flags().StringVar(&statusFlag, "status", "", "Only show submissions in this status (processing, completed)")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Only show submissions created longer ago than this")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of submissions to list")
	return cmd
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var showRows bool

	cmd := &cobra.Command{
		Use:   "status <request-id>",
		Short: "Show the status of one submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(strings.TrimSpace(args[0]))
			if err != nil {
				return fmt.Errorf("request id %q not found", args[0])
			}

			store, err := storage.Open(cmd.Context(), ctx.cfg.Database, ctx.log)
			if err != nil {
				return err
			}
			defer store.Close()

			sub, err := store.Submission(cmd.Context(), id)
			if errors.Is(err, models.ErrNotFound) {
				return fmt.Errorf("request id %s not found", id)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s  %s\n", sub.ID, sub.Status)
			if showRows && len(sub.Rows) > 0 {
				fmt.Fprintln(out, renderRows(sub.Rows))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showRows, "rows", false, "Also list the submission's product rows")
	return cmd
}

func renderSubmissions(subs []models.Submission, now time.Time) string {
	rows := make([]table.Row, 0, len(subs))
	for _, s := range subs {
		rows = append(rows, table.Row{
			s.ID.String(),
			string(s.Status),
			s.CreatedAt.UTC().Format(time.RFC3339),
			formatAge(now.Sub(s.CreatedAt)),
		})
	}
	return renderTable(submissionColumns, rows, "submissions")
}

func renderRows(productRows []models.ProductRow) string {
	rows := make([]table.Row, 0, len(productRows))
	for _, r := range productRows {
		rows = append(rows, table.Row{
			r.Position + 1,
			r.SerialNo,
			r.ProductName,
			len(r.InputImageURLs),
			len(r.OutputImageURLs),
		})
	}
	return renderTable(productRowColumns, rows, "rows")
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "<1m"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
