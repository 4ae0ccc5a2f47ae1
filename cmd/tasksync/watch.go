package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/tasksync"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch <conversations|messages|tasks|comments|shares|notifications|friends> [id]",
	Short: "Subscribe to live data and print every change",
	Long: "Subscribe to one store and print its contents whenever a realtime change\n" +
		"is reconciled. The id defaults to the signed-in user where that makes sense.\n" +
		"Example: tasksync watch messages c1",
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := getEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		id := e.Config().UserID
		if len(args) == 2 {
			id = args[1]
		}

		cancel, err := watchDomain(ctx, e, args[0], id)
		if err != nil {
			return err
		}
		defer cancel()

		log.Info().Str("domain", args[0]).Str("id", id).Msg("watching, press Ctrl+C to stop")
		<-ctx.Done()
		return nil
	},
}

func watchDomain(ctx context.Context, e *tasksync.Engine, domain, id string) (func(), error) {
	switch domain {
	case "conversations":
		if err := e.Messages().LoadConversations(ctx); err != nil {
			return nil, err
		}
		return watchStore(e.Messages().Conversations(), id, func(c tasksync.Conversation) string {
			return fmt.Sprintf("%s  %-12s unread=%d blocked=%t", c.ID, c.OtherParticipant.Username, c.UnreadCount, c.IsBlocked)
		}), nil
	case "messages":
		if err := e.Windows().Open(ctx, id); err != nil {
			return nil, err
		}
		return watchStore(e.Messages().Store(), id, formatMessage), nil
	case "tasks":
		if err := e.Tasks().Subscribe(ctx, id); err != nil {
			return nil, err
		}
		return watchStore(e.Tasks().Store, id, func(t tasksync.Task) string {
			return fmt.Sprintf("%s  [%s] %s", t.ID, t.Status, t.Title)
		}), nil
	case "comments":
		if err := e.Comments().Subscribe(ctx, id); err != nil {
			return nil, err
		}
		return watchStore(e.Comments().Store, id, func(c tasksync.Comment) string {
			return fmt.Sprintf("%s  %s: %s", c.ID, c.AuthorID, c.Content)
		}), nil
	case "shares":
		if err := e.SharedTasks().Subscribe(ctx, id); err != nil {
			return nil, err
		}
		return watchStore(e.SharedTasks().Store, id, func(s tasksync.SharedTask) string {
			return fmt.Sprintf("%s  %s (%s)", s.ID, s.SharedWithID, s.Permission)
		}), nil
	case "notifications":
		if err := e.Notifications().Subscribe(ctx, id); err != nil {
			return nil, err
		}
		return watchStore(e.Notifications().Store, id, func(n tasksync.Notification) string {
			mark := " "
			if !n.IsRead {
				mark = "*"
			}
			return fmt.Sprintf("%s %s  %s", mark, n.ID, n.Body)
		}), nil
	case "friends":
		if err := e.Friends().Load(ctx); err != nil {
			return nil, err
		}
		return watchStore(e.Friends().Friends(), e.Config().UserID, func(f tasksync.Friend) string {
			return fmt.Sprintf("%s  friend=%t pending=%t", f.ID, f.IsFriend, f.HasPendingRequest)
		}), nil
	}
	return nil, fmt.Errorf("unknown domain %q", domain)
}

func watchStore[T tasksync.Entity](s *tasksync.Store[T], id string, format func(T) string) func() {
	show := func(rows []T) {
		fmt.Printf("--- %d rows\n", len(rows))
		for _, r := range rows {
			fmt.Println(format(r))
		}
	}
	show(s.State(id).Data)
	return s.Watch(id, show)
}

func formatMessage(m tasksync.Message) string {
	state := ""
	switch {
	case m.IsFailed:
		state = " (failed)"
	case m.IsOptimistic:
		state = " (sending)"
	}
	return fmt.Sprintf("%s  %s: %s%s", m.CreatedAt.Local().Format("15:04"), m.SenderID, m.DisplayContent(), state)
}
