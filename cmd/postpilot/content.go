package main

import (
	"context"

	"github.com/spf13/cobra"

	"postpilot/internal/app"
	"postpilot/internal/content"
	"postpilot/internal/inbound"
	"postpilot/internal/jobs"
)

func newContentCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "content",
		Short: "Manage content units for auto-scheduling",
	}

	var caption, mediaRef, mediaType string
	add := &cobra.Command{
		Use:   "add <platform> <owner>",
		Short: "Add a ready-made post",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := jobs.ParsePlatform(args[0])
			if err != nil {
				return err
			}
			u := &content.Unit{Owner: args[1], Platform: p, Caption: caption, MediaRef: mediaRef, MediaType: mediaType}
			return withStores(cmd, opts, func(ctx context.Context, st *app.Stores) error {
				if err := st.Content.Add(ctx, u); err != nil {
					return err
				}
				return printJSON(cmd, u)
			})
		},
	}
	add.Flags().StringVar(&caption, "caption", "", "post text")
	add.Flags().StringVar(&mediaRef, "media-ref", "", "object store key of the media")
	add.Flags().StringVar(&mediaType, "media-type", "", "media type (photo, video, document)")
	cmd.AddCommand(add)
	return cmd
}

func newInboundCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inbound",
		Short: "Record inbound messages for the auto-reply pass",
	}

	var (
		authorID, authorName, target, kind string
	)
	add := &cobra.Command{
		Use:   "add <platform> <owner> <text>",
		Short: "Record a pending message or comment",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := jobs.ParsePlatform(args[0])
			if err != nil {
				return err
			}
			e := &inbound.Event{
				Owner:          args[1],
				Platform:       p,
				Kind:           inbound.Kind(kind),
				AuthorID:       authorID,
				AuthorName:     authorName,
				Text:           args[2],
				TargetRemoteID: target,
			}
			return withStores(cmd, opts, func(ctx context.Context, st *app.Stores) error {
				if err := st.Inbound.Add(ctx, e); err != nil {
					return err
				}
				return printJSON(cmd, e)
			})
		},
	}
	add.Flags().StringVar(&authorID, "author-id", "", "sender id on the platform")
	add.Flags().StringVar(&authorName, "author-name", "", "sender display name")
	add.Flags().StringVar(&target, "target", "", "remote id the reply goes to")
	add.Flags().StringVar(&kind, "kind", string(inbound.KindMessage), "message | comment")
	cmd.AddCommand(add)
	return cmd
}
