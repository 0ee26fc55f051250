package main

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"

	"postpilot/internal/app"
	logx "postpilot/pkg/logx"
)

type rootOptions struct {
	Config   string
	LogLevel string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "postpilot",
		Short:         "Scheduled post publishing and autopilot",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.Config, "config", "./config.json", "path to config (json or yaml)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "WARN", "log level for one-shot commands")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newJobsCommand(opts))
	cmd.AddCommand(newSettingsCommand(opts))
	cmd.AddCommand(newContentCommand(opts))
	cmd.AddCommand(newInboundCommand(opts))
	return cmd
}

// withStores opens the configured stores for one command and closes them
// afterwards. ctx carries the storage timeout.
func withStores(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, st *app.Stores) error) error {
	log := logx.NewConsole(opts.LogLevel).With(logx.Component("cli"))
	cfg, st, err := app.LoadStores(cmd.Context(), opts.Config, log)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), app.StorageTimeout(cfg))
	defer cancel()
	return fn(ctx, st)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
