package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/tasksync"
)

var sharePermission string

func init() {
	taskShareCmd.Flags().StringVar(&sharePermission, "permission", "view", "view or edit")
	taskCmd.AddCommand(taskStatusCmd, taskShareCmd, taskCommentCmd)
	rootCmd.AddCommand(taskCmd)
}

// runMutation builds an engine, lets fn run one mutation and reports it.
func runMutation(fn func(ctx context.Context, e *tasksync.Engine) error) error {
	e, err := getEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := fn(ctx, e); err != nil {
		return err
	}
	fmt.Println("OK")
	return nil
}

// ============================================================================
// tasks
// ============================================================================

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Task commands",
}

var taskStatusCmd = &cobra.Command{
	Use:   "status <task-id> <todo|in_progress|done>",
	Short: "Move one of your tasks to a new status",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMutation(func(ctx context.Context, e *tasksync.Engine) error {
			owner := e.Config().UserID
			if err := e.Tasks().Subscribe(ctx, owner); err != nil {
				log.Debug().Err(err).Msg("no live channel, status change is not applied locally")
			}
			return e.Tasks().SetStatus(ctx, owner, args[0], tasksync.TaskStatus(args[1]))
		})
	},
}

var taskShareCmd = &cobra.Command{
	Use:   "share <task-id> <user-id>",
	Short: "Share a task with another user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMutation(func(ctx context.Context, e *tasksync.Engine) error {
			e.SharedTasks().Subscribe(ctx, args[0])
			return e.SharedTasks().Share(ctx, args[0], args[1], sharePermission)
		})
	},
}

var taskCommentCmd = &cobra.Command{
	Use:   "comment <task-id> <text>",
	Short: "Comment on a task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMutation(func(ctx context.Context, e *tasksync.Engine) error {
			e.Comments().Subscribe(ctx, args[0])
			return e.Comments().Add(ctx, args[0], args[1])
		})
	},
}
