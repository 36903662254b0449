package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/megan/livesync/internal/notify"
	"github.com/megan/livesync/internal/view"
)

func watchCmd(opts *rootOptions) *cobra.Command {
	var connectionID string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the conversation list of a WhatsApp connection",
		Long: `Print the conversation list and the 7-day stats of a connection, and
print them again whenever the server reports that its conversations changed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(opts, connectionID)
		},
	}

	cmd.Flags().StringVar(&connectionID, "connection", "", "WhatsApp connection id")
	_ = cmd.MarkFlagRequired("connection")

	return cmd
}

func runWatch(opts *rootOptions, connectionID string) error {
	e, err := opts.setup()
	if err != nil {
		return err
	}
	defer e.close()

	s, err := e.newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := signalContext()
	defer stop()

	s.OnViewChange(func(c view.Change, snap view.Snapshot) {
		switch c {
		case view.ChangeList:
			printList(snap)
		case view.ChangeStats:
			printStats(snap)
		}
	})
	s.OnNotice(func(ev notify.Event) {
		if !ev.Dismissed {
			printNotice(ev.Notice)
		}
	})

	if err := s.Start(); err != nil {
		return err
	}
	if err := s.ShowConnection(connectionID); err != nil {
		return err
	}

	<-ctx.Done()
	return nil
}

func printList(snap view.Snapshot) {
	if snap.ConnectionID == "" || snap.RefreshedAt.IsZero() {
		return
	}
	fmt.Printf("-- %s: %d conversations (page %d/%d)\n",
		snap.ConnectionID, snap.Pagination.Total, snap.Pagination.Current, snap.Pagination.Pages)
	for _, c := range snap.Conversations {
		preview := ""
		if c.LastMessage != nil {
			preview = truncate(c.LastMessage.Content, 48)
		}
		fmt.Printf("   %-24s %-10s %-20s %s\n", c.ID, c.Status, c.DisplayName(), preview)
	}
}

func printStats(snap view.Snapshot) {
	st := snap.Stats
	if st == nil {
		return
	}
	fmt.Printf("   %s: %d conversations (%d active, %d new), %d messages (%d in, %d out), response rate %s\n",
		st.Period,
		st.Conversations.Total, st.Conversations.Active, st.Conversations.New,
		st.Messages.Total, st.Messages.Inbound, st.Messages.Outbound, st.Messages.ResponseRate)
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
