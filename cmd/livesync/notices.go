package main

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func noticesCmd(opts *rootOptions) *cobra.Command {
	var instance string

	cmd := &cobra.Command{
		Use:   "notices",
		Short: "Print notices forwarded to NATS by running sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.setup()
			if err != nil {
				return err
			}
			defer e.close()
			if e.cfg.NATS.URL == "" {
				return errors.New("notices needs --nats-url or nats.url")
			}

			nc, err := e.connectNATS()
			if err != nil {
				return err
			}
			if err := nc.FollowNotices(instance, printNotice); err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&instance, "session", "*", "session instance id, * for all")

	return cmd
}
