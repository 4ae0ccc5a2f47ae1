package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/tasksync"
)

func init() {
	friendsCmd.AddCommand(friendsAddCmd, friendsAcceptCmd, friendsRejectCmd, friendsRemoveCmd)
	rootCmd.AddCommand(friendsCmd)
}

var friendsCmd = &cobra.Command{
	Use:   "friends",
	Short: "Friendship commands",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := getEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Friends().Load(ctx); err != nil {
			return err
		}
		fmt.Println("Friends:")
		for _, f := range e.Friends().List() {
			switch {
			case f.IsFriend:
				fmt.Printf("  %-12s %s\n", f.ID, valueOrDefault(f.DisplayName, f.Username))
			case f.HasPendingRequest && !f.RequestIncoming:
				fmt.Printf("  %-12s (request sent)\n", f.ID)
			}
		}
		fmt.Println("Incoming requests:")
		for _, r := range e.Friends().Pending() {
			fmt.Printf("  %-12s from %s\n", r.ID, r.RequesterID)
		}
		return nil
	},
}

var friendsAddCmd = &cobra.Command{
	Use:   "add <user-id>",
	Short: "Send a friend request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMutation(func(ctx context.Context, e *tasksync.Engine) error {
			e.Friends().Load(ctx)
			return e.Friends().SendRequest(ctx, args[0])
		})
	},
}

var friendsAcceptCmd = &cobra.Command{
	Use:   "accept <request-id>",
	Short: "Accept an incoming friend request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMutation(func(ctx context.Context, e *tasksync.Engine) error {
			e.Friends().Load(ctx)
			return e.Friends().AcceptRequest(ctx, args[0])
		})
	},
}

var friendsRejectCmd = &cobra.Command{
	Use:   "reject <request-id>",
	Short: "Reject an incoming friend request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMutation(func(ctx context.Context, e *tasksync.Engine) error {
			e.Friends().Load(ctx)
			return e.Friends().RejectRequest(ctx, args[0])
		})
	},
}

var friendsRemoveCmd = &cobra.Command{
	Use:   "remove <user-id>",
	Short: "Remove a friend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMutation(func(ctx context.Context, e *tasksync.Engine) error {
			e.Friends().Load(ctx)
			return e.Friends().Remove(ctx, args[0])
		})
	},
}
