package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/guido-cesarano/ingestq/pkg/queue"
	"github.com/guido-cesarano/ingestq/pkg/tasks"
	"github.com/spf13/cobra"
)

func newStatsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := c.stack.Registry.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), st, func(w io.Writer) {
				fmt.Fprintf(w, "pending:    %d\n", st.Pending)
				fmt.Fprintf(w, "processing: %d\n", st.Processing)
				fmt.Fprintf(w, "completed:  %d\n", st.Completed)
				fmt.Fprintf(w, "failed:     %d\n", st.Failed)
				fmt.Fprintf(w, "dlq:        %d\n", st.DLQSize)
				fmt.Fprintf(w, "source:     %s\n", st.Source)
			})
		},
	}
}

func newTaskCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect tasks",
	}

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := c.stack.Registry.GetTaskStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), t, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintf(tw, "id\t%s\n", t.ID)
				fmt.Fprintf(tw, "type\t%s\n", t.Type)
				fmt.Fprintf(tw, "priority\t%s\n", t.Priority)
				fmt.Fprintf(tw, "status\t%s\n", t.Status)
				fmt.Fprintf(tw, "retries\t%d/%d\n", t.RetryCount, t.MaxRetries)
				if t.WorkerID != "" {
					fmt.Fprintf(tw, "worker\t%s\n", t.WorkerID)
				}
				if t.Error != "" {
					fmt.Fprintf(tw, "error\t%s\n", t.Error)
				}
				fmt.Fprintf(tw, "created\t%s\n", t.CreatedAt.Format(time.RFC3339))
				tw.Flush()
			})
		},
	}

	var (
		status, batch string
		limit, offset int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks in claim order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := tasks.Filter{BatchID: batch, Limit: limit, Offset: offset}
			if status != "" {
				st, err := tasks.ParseStatus(status)
				if err != nil {
					return err
				}
				f.Status = st
			}
			ts, err := c.stack.Registry.ListTasks(cmd.Context(), f)
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), ts, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTYPE\tPRIORITY\tSTATUS\tRETRIES\tCREATED")
				for _, t := range ts {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
						t.ID, t.Type, t.Priority, t.Status, t.RetryCount, t.MaxRetries, t.CreatedAt.Format(time.RFC3339))
				}
				tw.Flush()
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "filter by status")
	list.Flags().StringVar(&batch, "batch", "", "filter by batch id")
	list.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	list.Flags().IntVar(&offset, "offset", 0, "rows to skip")

	cmd.AddCommand(get, list)
	return cmd
}

func printDeadLetters(w io.Writer, dls []*tasks.DeadLetter) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTASK\tTYPE\tSTATUS\tRETRIES\tERROR")
	for _, dl := range dls {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", dl.ID, dl.TaskID, dl.TaskType, dl.Status, dl.RetryCount, dl.Error)
	}
	tw.Flush()
}

func newDLQCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and reprocess the dead letter queue",
	}

	var (
		status string
		limit  int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead letters, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := tasks.DeadLetterFilter{Limit: limit}
			if status != "" {
				st, err := tasks.ParseDeadLetterStatus(status)
				if err != nil {
					return err
				}
				f.Status = st
			}
			dls, err := c.stack.Registry.ListDeadLetters(cmd.Context(), f)
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), dls, func(w io.Writer) { printDeadLetters(w, dls) })
		},
	}
	list.Flags().StringVar(&status, "status", "", "filter by status (pending|processing|resolved)")
	list.Flags().IntVar(&limit, "limit", 50, "maximum rows")

	var (
		batchSize int
		priority  int
	)
	reprocess := &cobra.Command{
		Use:   "reprocess",
		Short: "Replay pending dead letters as new tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var opts []queue.EnqueueOption
			if cmd.Flags().Changed("priority") {
				opts = append(opts, queue.WithPriority(tasks.Priority(priority)))
			}
			ids, err := c.stack.Registry.ReprocessDeadLetters(cmd.Context(), batchSize, opts...)
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), map[string]any{"task_ids": ids}, func(w io.Writer) {
				fmt.Fprintf(w, "Replayed %d dead letters\n", len(ids))
				for _, id := range ids {
					fmt.Fprintln(w, id)
				}
			})
		},
	}
	reprocess.Flags().IntVar(&batchSize, "limit", 10, "maximum entries to replay")
	reprocess.Flags().IntVar(&priority, "priority", int(tasks.PriorityNormal), "priority for the replayed tasks")

	transition := func(use, short string, fn func(*cobra.Command, string) (*tasks.DeadLetter, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				dl, err := fn(cmd, args[0])
				if err != nil {
					return err
				}
				return c.render(cmd.OutOrStdout(), dl, func(w io.Writer) {
					fmt.Fprintf(w, "Dead letter %s is now %s\n", dl.ID, dl.Status)
				})
			},
		}
	}
	resolve := transition("resolve", "Mark a claimed dead letter resolved", func(cmd *cobra.Command, id string) (*tasks.DeadLetter, error) {
		return c.stack.Registry.ResolveDeadLetter(cmd.Context(), id)
	})
	release := transition("release", "Return a claimed dead letter to pending", func(cmd *cobra.Command, id string) (*tasks.DeadLetter, error) {
		return c.stack.Registry.ReleaseDeadLetter(cmd.Context(), id)
	})

	var claimLimit int
	claim := &cobra.Command{
		Use:   "claim",
		Short: "Claim pending dead letters for manual handling",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dls, err := c.stack.Registry.ClaimDeadLetters(cmd.Context(), claimLimit)
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), dls, func(w io.Writer) { printDeadLetters(w, dls) })
		},
	}
	claim.Flags().IntVar(&claimLimit, "limit", 10, "maximum entries to claim")

	cmd.AddCommand(list, reprocess, claim, resolve, release)
	return cmd
}

func newSweepCmd(c *cli) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Fail tasks stuck in processing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("older-than") {
				olderThan = c.cfg.Queue.StuckAfter
			}
			n, err := c.stack.Registry.SweepStuck(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), map[string]int{"swept": n}, func(w io.Writer) {
				fmt.Fprintf(w, "Swept %d stuck tasks\n", n)
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", queue.DefaultStuckAfter, "claim age after which a task counts as stuck")
	return cmd
}

func newReconcileCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Re-index durable pending tasks into Redis",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !c.stack.Registry.Tiered() {
				return fmt.Errorf("reconcile needs a Redis address (--redis-addr or INGESTQ_REDIS_ADDR)")
			}
			n, err := c.stack.Registry.Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), map[string]int{"reconciled": n}, func(w io.Writer) {
				fmt.Fprintf(w, "Reconciled %d pending tasks\n", n)
			})
		},
	}
}

func newMigrateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.stack.Durable.Migrate(cmd.Context()); err != nil {
				return err
			}
			v, err := c.stack.Durable.SchemaVersion(cmd.Context())
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), map[string]int64{"version": v}, func(w io.Writer) {
				fmt.Fprintf(w, "Schema at version %d\n", v)
			})
		},
	}
}
