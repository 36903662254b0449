package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/megan/livesync/internal/api"
	"github.com/megan/livesync/internal/notify"
	"github.com/megan/livesync/internal/session"
	"github.com/megan/livesync/internal/view"
)

const followHelp = `Commands:
  <text>            send a message
  /typing [text]    report input text without sending (empty clears)
  /takeover         hand the conversation from the bot to you
  /assign <agent>   assign the conversation to an agent
  /switch <id>      follow another conversation
  /reconnect        reconnect after the channel dropped
  /quit             leave`

func followCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "follow <conversation-id>",
		Short: "Follow one conversation and chat from stdin",
		Long: `Follow a conversation: new messages, typing users and notices are printed
as they arrive. Lines read from stdin are sent as messages.

` + followHelp,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFollow(opts, args[0])
		},
	}
}

func runFollow(opts *rootOptions, conversationID string) error {
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

	s.OnViewChange(newMessagePrinter())
	s.OnNotice(func(ev notify.Event) {
		if !ev.Dismissed {
			printNotice(ev.Notice)
		}
	})

	if err := s.Start(); err != nil {
		return err
	}
	if err := s.ShowConversation(conversationID); err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := handleLine(ctx, s, line)
			if err != nil {
				fmt.Fprintf(os.Stderr, "  %s\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, s *session.Session, line string) (quit bool, err error) {
	if !strings.HasPrefix(line, "/") {
		if err := s.TypingActivity(line); err != nil {
			return false, err
		}
		sendCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		return false, s.SendMessage(sendCtx, line)
	}

	cmd, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "quit", "q":
		return true, nil
	case "typing":
		return false, s.TypingActivity(arg)
	case "takeover":
		return false, s.Takeover()
	case "assign":
		if arg == "" {
			return false, fmt.Errorf("usage: /assign <agent>")
		}
		return false, s.Assign(arg)
	case "switch":
		if arg == "" {
			return false, fmt.Errorf("usage: /switch <conversation-id>")
		}
		return false, s.ShowConversation(arg)
	case "reconnect":
		return false, s.Reconnect()
	case "help":
		fmt.Println(followHelp)
		return false, nil
	}
	return false, fmt.Errorf("unknown command /%s, try /help", cmd)
}

// newMessagePrinter returns a view observer printing the conversation header,
// every message not printed yet and the typing line. It runs on the session
// loop only.
func newMessagePrinter() func(view.Change, view.Snapshot) {
	var (
		current string
		seen    = map[string]struct{}{}
		typing  string
	)
	return func(c view.Change, snap view.Snapshot) {
		if snap.ConversationID != current {
			current = snap.ConversationID
			seen = map[string]struct{}{}
			typing = ""
		}

		switch c {
		case view.ChangeConversation:
			if conv := snap.Conversation; conv != nil {
				fmt.Printf("== %s  [%s]", conv.DisplayName(), conv.Status)
				if conv.AssignedTo != "" {
					fmt.Printf("  assigned to %s", conv.AssignedTo)
				}
				fmt.Println()
			}
		case view.ChangeMessages:
			msgs := append([]api.Message(nil), snap.Messages...)
			sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
			for _, m := range msgs {
				if _, ok := seen[m.ID]; ok {
					continue
				}
				seen[m.ID] = struct{}{}
				printMessage(m)
			}
		case view.ChangeTyping:
			line := strings.Join(snap.Typing, ", ")
			if line == typing {
				return
			}
			typing = line
			if line != "" {
				fmt.Printf("   … %s typing\n", line)
			}
		}
	}
}

func printMessage(m api.Message) {
	who := m.SenderType
	if m.Inbound() {
		who = "contact"
	}
	text := m.Content.Text
	if text == "" {
		text = "[" + m.Content.Type + "]"
	}
	fmt.Printf("%s %-7s %s\n", m.CreatedAt.Local().Format(time.Kitchen), who, text)
}
