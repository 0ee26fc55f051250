package main

import (
	"context"

	"github.com/spf13/cobra"

	"postpilot/internal/app"
	"postpilot/internal/jobs"
)

func newSettingsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Manage per-owner autopilot settings",
	}
	cmd.AddCommand(newSettingsGetCommand(opts))
	cmd.AddCommand(newSettingsSetCommand(opts))
	cmd.AddCommand(newSettingsResetCommand(opts))
	return cmd
}

func newSettingsGetCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <platform> <owner>",
		Short: "Show settings",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := jobs.ParsePlatform(args[0])
			if err != nil {
				return err
			}
			return withStores(cmd, opts, func(ctx context.Context, st *app.Stores) error {
				s, err := st.Settings.Get(ctx, p, args[1])
				if err != nil {
					return err
				}
				return printJSON(cmd, s)
			})
		},
	}
}

// newSettingsSetCommand updates only the flags that were given.
func newSettingsSetCommand(opts *rootOptions) *cobra.Command {
	var (
		enabled, scheduling, reply bool
		intervalHours              float64
		replyContext               string
	)
	cmd := &cobra.Command{
		Use:   "set <platform> <owner>",
		Short: "Update settings",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := jobs.ParsePlatform(args[0])
			if err != nil {
				return err
			}
			f := cmd.Flags()
			return withStores(cmd, opts, func(ctx context.Context, st *app.Stores) error {
				s, err := st.Settings.Get(ctx, p, args[1])
				if err != nil {
					return err
				}
				if f.Changed("enabled") {
					s.Enabled = enabled
				}
				if f.Changed("auto-scheduling") {
					s.AutoSchedulingEnabled = scheduling
				}
				if f.Changed("auto-reply") {
					s.AutoReplyEnabled = reply
				}
				if f.Changed("interval-hours") {
					if intervalHours == 0 {
						s.CustomIntervalHours = nil
					} else {
						h := intervalHours
						s.CustomIntervalHours = &h
					}
				}
				if f.Changed("reply-context") {
					s.ReplyContext = replyContext
				}
				if err := st.Settings.Put(ctx, s); err != nil {
					return err
				}
				return printJSON(cmd, s)
			})
		},
	}
	cmd.Flags().BoolVar(&enabled, "enabled", false, "master switch")
	cmd.Flags().BoolVar(&scheduling, "auto-scheduling", false, "plan posts from content units")
	cmd.Flags().BoolVar(&reply, "auto-reply", false, "answer inbound messages")
	cmd.Flags().Float64Var(&intervalHours, "interval-hours", 0, "custom posting interval in hours (0 clears)")
	cmd.Flags().StringVar(&replyContext, "reply-context", "", "persona text for generated replies")
	return cmd
}

func newSettingsResetCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <platform> <owner>",
		Short: "Delete settings, disabling autopilot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := jobs.ParsePlatform(args[0])
			if err != nil {
				return err
			}
			return withStores(cmd, opts, func(ctx context.Context, st *app.Stores) error {
				return st.Settings.Reset(ctx, p, args[1])
			})
		},
	}
}
