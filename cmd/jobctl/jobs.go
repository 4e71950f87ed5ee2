package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	jobs "github.com/UniQw/uniqw-jobs"
	"github.com/spf13/cobra"
)

func submitCmd(a *app) *cobra.Command {
	var (
		id          string
		maxAttempts int
		delay       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit <queue> <type> [payload-json]",
		Short: "Submit a job",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload json.RawMessage
			if len(args) == 3 {
				if !json.Valid([]byte(args[2])) {
					return fmt.Errorf("payload is not valid JSON")
				}
				payload = json.RawMessage(args[2])
			}
			opts := []jobs.Option{jobs.Delay(delay)}
			if id != "" {
				opts = append(opts, jobs.JobID(id))
			}
			if maxAttempts > 0 {
				opts = append(opts, jobs.MaxAttempts(maxAttempts))
			}
			jobID, err := a.cli.Submit(cmd.Context(), args[0], args[1], payload, opts...)
			if err != nil {
				return fmt.Errorf("submit: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), jobID)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Custom job id")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "Maximum attempts (defaults to the queue setting)")
	cmd.Flags().DurationVar(&delay, "delay", 0, "Delay before the job becomes eligible")
	return cmd
}

func getCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a job as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := a.cli.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), j)
		},
	}
}

func listCmd(a *app) *cobra.Command {
	var (
		state string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "list <queue>",
		Short: "List jobs of a queue by state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := jobs.ParseState(state)
			if err != nil {
				return fmt.Errorf("--state %q: %w", state, err)
			}
			js, err := a.cli.ListByState(cmd.Context(), args[0], st, limit)
			if err != nil {
				return err
			}
			if len(js) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No jobs found in state: %s\n", st)
				return nil
			}
			return writeTable(cmd.OutOrStdout(), js)
		},
	}
	cmd.Flags().StringVar(&state, "state", string(jobs.StatePending), "Job state (pending, active, completed, failed)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum jobs to show; 0 shows all")
	return cmd
}

func retryCmd(a *app) *cobra.Command {
	var maxAttempts int
	cmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Move a failed job back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts []jobs.Option
			if maxAttempts > 0 {
				opts = append(opts, jobs.MaxAttempts(maxAttempts))
			}
			if err := a.cli.RetryFailed(cmd.Context(), args[0], opts...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "New attempt budget (keeps the current one when 0)")
	return cmd
}

func deleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a job that is not active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cli.DeleteJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func watchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print lifecycle events as JSON lines until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			enc := json.NewEncoder(cmd.OutOrStdout())
			return a.cli.Subscribe(ctx, func(ev jobs.Event) {
				_ = enc.Encode(ev)
			})
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeTable(w io.Writer, js []*jobs.Job) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATE\tATTEMPTS\tPROGRESS\tUPDATED\tLAST ERROR")
	for _, j := range js {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%d%%\t%s\t%s\n",
			j.ID, j.Type, j.State, j.Attempts, j.MaxAttempts, j.Progress,
			j.UpdatedAt.Format(time.RFC3339), j.LastError)
	}
	return tw.Flush()
}
