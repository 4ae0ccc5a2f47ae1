package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and backend status",
	Long:  "Display the effective configuration, check the backend is reachable, and fetch live conversation and notification counts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:     %s\n", valueOrDefault(cfg.Server.BaseURL, "(not set)"))
		if cfg.Server.BaseURL != "" {
			fmt.Printf("  Realtime URL: %s\n", realtimeURL(cfg))
		}

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User ID:      %s\n", valueOrDefault(cfg.Auth.UserID, "(not signed in)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:        %s\n", maskToken(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:        (not set)")
		}

		if cfg.Server.BaseURL == "" || cfg.Auth.UserID == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := ping(ctx, cfg.Server.BaseURL); err != nil {
			fmt.Printf("  Backend:       unreachable (%v)\n", err)
			return nil
		}
		fmt.Println("  Backend:       ok")

		e, err := getEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.Messages().LoadConversations(ctx); err != nil {
			fmt.Printf("  Error loading conversations: %v\n", err)
			return nil
		}
		convs := e.Messages().Conversations().State(cfg.Auth.UserID)
		unread := 0
		for _, c := range convs.Data {
			unread += c.UnreadCount
		}
		fmt.Printf("  Conversations: %d\n", len(convs.Data))
		fmt.Printf("  Unread:        %d\n", unread)
		fmt.Printf("  Live channel:  %t\n", convs.Live)

		if err := e.Notifications().Subscribe(ctx, cfg.Auth.UserID); err == nil {
			fmt.Printf("  Notifications: %d unread\n", e.Notifications().Unread(cfg.Auth.UserID))
		}
		return nil
	},
}

func ping(ctx context.Context, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/ping", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}
