package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

func takeoverCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "takeover <conversation-id>",
		Short: "Hand a conversation from the bot to yourself",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.setup()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), e.cfg.RequestTimeout+time.Second)
			defer cancel()

			if err := e.rest.TakeOver(ctx, args[0]); err != nil {
				return err
			}
			cmd.Printf("conversation %s taken over\n", args[0])
			return nil
		},
	}
}

func assignCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "assign <conversation-id> <agent-id>",
		Short: "Assign a conversation to an agent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.setup()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), e.cfg.RequestTimeout+time.Second)
			defer cancel()

			if err := e.rest.Assign(ctx, args[0], args[1]); err != nil {
				return err
			}
			cmd.Printf("conversation %s assigned to %s\n", args[0], args[1])
			return nil
		},
	}
}
