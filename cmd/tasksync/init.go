package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var initBaseURL string

func init() {
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "http://localhost:8787", "backend base URL")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <user-id> [token]",
	Short: "Store session credentials in ~/.tasksync/config.toml",
	Long:  "Initialize the tasksync CLI with a user id and bearer token.\nThe development server accepts the user id itself as token.",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.UserID = args[0]
		cfg.Auth.Token = args[0]
		if len(args) == 2 {
			cfg.Auth.Token = args[1]
		}
		if cfg.Server.BaseURL == "" || cmd.Flags().Changed("base-url") {
			cfg.Server.BaseURL = initBaseURL
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Session for %s saved to %s\n", cfg.Auth.UserID, path)
		return nil
	},
}
