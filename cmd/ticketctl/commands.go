package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"TicketForge/internal/model"
	pkgerrors "TicketForge/pkg/errors"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pipeline statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			st := s.tracker.Statistics()
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return writeJSON(cmd.OutOrStdout(), st)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Pipeline Statistics:")
			fmt.Fprintf(out, "  Total tickets:     %d\n", st.Total)
			fmt.Fprintf(out, "  Completed:         %d\n", st.ByStatus[model.TicketCompleted])
			fmt.Fprintf(out, "  Failed:            %d\n", st.ByStatus[model.TicketFailed])
			fmt.Fprintf(out, "  Processing:        %d\n", st.ByStatus[model.TicketProcessing])
			fmt.Fprintf(out, "  Needs reprocess:   %d\n", st.ByStatus[model.TicketNeedsReprocessing])
			fmt.Fprintf(out, "  Retry candidates:  %d\n", st.RetryCandidates)
			fmt.Fprintf(out, "  Exhausted:         %d\n", st.Exhausted)
			fmt.Fprintf(out, "  Success rate:      %.1f%% (%s)\n", st.SuccessRate*100, st.Health)

			printCounts(out, "By language", st.ByLanguage)
			printCounts(out, "By domain", st.ByDomain)

			if len(st.Recommendations) > 0 {
				fmt.Fprintln(out, "\nRecommendations:")
				for _, r := range st.Recommendations {
					fmt.Fprintf(out, "  - %s\n", r)
				}
			}
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "print statistics as JSON")
	return cmd
}

func newFailedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "failed",
		Short: "List failed tickets ready for retry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			records := s.tracker.RetryCandidates()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Failed tickets ready for retry (%d):\n", len(records))
			for _, rec := range records {
				printFailure(out, rec)
			}
			return nil
		},
	}
}

func newExhaustedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exhausted",
		Short: "List failed tickets that ran out of retries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			records := s.tracker.Exhausted()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Exhausted tickets (%d):\n", len(records))
			for _, rec := range records {
				printFailure(out, rec)
			}
			if len(records) > 0 {
				fmt.Fprintln(out, "\nRequeue one with: ticketctl retry <key>")
			}
			return nil
		},
	}
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <key>",
		Short: "Show the tracking record of one ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			rec, ok := s.tracker.Get(args[0])
			if !ok {
				return fmt.Errorf("ticket %s not found", args[0])
			}
			if err := writeJSON(cmd.OutOrStdout(), rec); err != nil {
				return err
			}
			if at, ok := s.tracker.NextRetryAt(rec); ok {
				fmt.Fprintf(cmd.OutOrStdout(), "Next retry at: %s\n", at.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <key>",
		Short: "Mark a failed or completed ticket for reprocessing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			warnServiceRunning(cmd)

			key := args[0]
			if err := s.tracker.Requeue(key); err != nil {
				if errors.Is(err, pkgerrors.ErrNotFound) {
					return fmt.Errorf("ticket %s not found", key)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Marked %s for reprocessing\n", key)
			return nil
		},
	}
}

func newClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear <key>",
		Short: "Forget a ticket so the next cycle treats it as new",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			warnServiceRunning(cmd)

			key := args[0]
			if err := s.tracker.Clear(key); err != nil {
				if errors.Is(err, pkgerrors.ErrNotFound) {
					return fmt.Errorf("ticket %s not found", key)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared %s from tracking\n", key)
			return nil
		},
	}
}

func newResetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear all tracking data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if yes, _ := cmd.Flags().GetBool("yes"); !yes {
				return errors.New("reset removes every tracked ticket; pass --yes to confirm")
			}
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			warnServiceRunning(cmd)

			n := s.tracker.Reset()
			fmt.Fprintf(cmd.OutOrStdout(), "All tracking data cleared (%d tickets removed)\n", n)
			return nil
		},
	}
	cmd.Flags().Bool("yes", false, "confirm the reset")
	return cmd
}

func printFailure(out io.Writer, rec *model.TicketRecord) {
	fmt.Fprintf(out, "  %s  attempts=%d retries=%d\n", rec.Key, rec.AttemptCount, rec.RetryCount)
	if rec.LastError != "" {
		fmt.Fprintf(out, "    last error: %s\n", firstLine(rec.LastError))
	}
}

func printCounts(out io.Writer, title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintf(out, "\n%s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(out, "  %-12s %d\n", k, counts[k])
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
