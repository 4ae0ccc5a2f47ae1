package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/tasksync"
)

var (
	sendRetries int
	sendWait    time.Duration
)

func init() {
	sendCmd.Flags().IntVar(&sendRetries, "retries", 0, "retry a failed send this many times")
	sendCmd.Flags().DurationVar(&sendWait, "wait", 5*time.Second, "how long to wait for the message to be confirmed")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message...>",
	Short: "Send a chat message",
	Long:  "Open a conversation, send a message optimistically and wait until the backend confirms it.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, content := args[0], strings.Join(args[1:], " ")

		e, err := getEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		ctx, cancel := context.WithTimeout(context.Background(), sendWait+10*time.Second)
		defer cancel()
		if err := e.Windows().Open(ctx, conversationID); err != nil {
			return fmt.Errorf("open conversation: %w", err)
		}

		sent, err := e.Messages().Send(ctx, conversationID, content)
		for attempt := 0; err != nil && attempt < sendRetries; attempt++ {
			var merr *tasksync.MutationError
			if !errors.As(err, &merr) || merr.Retry == nil {
				break
			}
			log.Warn().Err(merr.Err).Int("attempt", attempt+1).Msg("send failed, retrying")
			err = merr.Retry(ctx)
		}
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		confirmed, ok := waitConfirmed(e, conversationID, sent.ClientToken, sendWait)
		if !ok {
			fmt.Printf("Sent (token %s), not yet confirmed\n", sent.ClientToken)
			return nil
		}
		fmt.Printf("Sent %s at %s\n", confirmed.ID, confirmed.CreatedAt.Local().Format(time.RFC3339))
		return nil
	},
}

// waitConfirmed polls the local cache until the message carrying token has
// been replaced by its canonical row.
func waitConfirmed(e *tasksync.Engine, conversationID string, token tasksync.Token, wait time.Duration) (tasksync.Message, bool) {
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		for _, m := range e.Messages().List(conversationID) {
			if m.ClientToken == token && !m.ID.IsPending() {
				return m, true
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	return tasksync.Message{}, false
}
