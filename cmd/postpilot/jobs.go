package main

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"postpilot/internal/app"
	"postpilot/internal/jobs"
)

func newJobsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Schedule, list and retry publish jobs",
	}
	cmd.AddCommand(newJobsScheduleCommand(opts))
	cmd.AddCommand(newJobsListCommand(opts))
	cmd.AddCommand(newJobsRetryCommand(opts))
	return cmd
}

func newJobsScheduleCommand(opts *rootOptions) *cobra.Command {
	var (
		text, mediaRef, mediaType, at string
		in                            time.Duration
	)
	cmd := &cobra.Command{
		Use:   "schedule <platform> <owner>",
		Short: "Create a pending job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := jobs.ParsePlatform(args[0])
			if err != nil {
				return err
			}
			when := time.Now().Add(in)
			if at != "" {
				if when, err = time.Parse(time.RFC3339, at); err != nil {
					return errors.Wrap(err, "--at")
				}
			}
			j := &jobs.Job{
				Owner:       args[1],
				Platform:    p,
				ScheduledAt: when,
				Payload:     jobs.Payload{Text: text, MediaRef: mediaRef, MediaType: mediaType},
			}
			return withStores(cmd, opts, func(ctx context.Context, st *app.Stores) error {
				if err := st.Jobs.Create(ctx, j); err != nil {
					return err
				}
				return printJSON(cmd, j)
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "post text")
	cmd.Flags().StringVar(&mediaRef, "media-ref", "", "object store key of the media")
	cmd.Flags().StringVar(&mediaType, "media-type", "", "media type (photo, video, document)")
	cmd.Flags().StringVar(&at, "at", "", "publish time, RFC3339")
	cmd.Flags().DurationVar(&in, "in", 0, "publish after this delay (ignored with --at)")
	return cmd
}

func newJobsListCommand(opts *rootOptions) *cobra.Command {
	var (
		namespace string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "list <platform> [owner]",
		Short: "List jobs in a namespace",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := jobs.ParsePlatform(args[0])
			if err != nil {
				return err
			}
			ns, err := jobs.ParseNamespace(namespace)
			if err != nil {
				return err
			}
			owner := ""
			if len(args) == 2 {
				owner = args[1]
			}
			return withStores(cmd, opts, func(ctx context.Context, st *app.Stores) error {
				list, err := st.Jobs.ListNamespace(ctx, ns, p, owner, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd, list)
			})
		},
	}
	cmd.Flags().StringVar(&namespace, "namespace", string(jobs.NSScheduled), "scheduled | completed | failed")
	cmd.Flags().IntVar(&limit, "limit", 100, "max records (0 = all)")
	return cmd
}

func newJobsRetryCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <platform> <owner> <id>",
		Short: "Reschedule a failed or manual_required job",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := jobs.ParsePlatform(args[0])
			if err != nil {
				return err
			}
			return withStores(cmd, opts, func(ctx context.Context, st *app.Stores) error {
				j, err := st.Jobs.Retry(ctx, p, args[1], args[2])
				if err != nil {
					return err
				}
				return printJSON(cmd, j)
			})
		},
	}
}
