package main

import (
	"fmt"
	"io"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var showFileOnly bool

func init() {
	configShowCmd.Flags().BoolVar(&showFileOnly, "file", false, "ignore .env and TASKSYNC_* overrides")
	configCmd.AddCommand(configShowCmd, configPathCmd, configSetCmd)
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and edit engine settings",
	Long: "Settings live in a TOML file (see 'tasksync config path'). " +
		"TASKSYNC_* variables, read from the environment or a .env file, take precedence.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Render the settings the engine would start with",
	RunE: func(cmd *cobra.Command, args []string) error {
		load := loadEffectiveConfig
		if showFileOnly {
			load = loadConfig
		}
		cfg, err := load()
		if err != nil {
			return err
		}
		return renderConfig(cmd.OutOrStdout(), cfg)
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print where the settings file is read from",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:     "set <section.field> <value>",
	Short:   "Persist one setting",
	Example: "  tasksync config set engine.max_active_chats 3\n  tasksync config set server.base_url http://localhost:8787",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := setConfigValue(cfg, args[0], args[1]); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s updated\n", args[0])
		return nil
	},
}

// renderConfig writes cfg as TOML with the session token masked.
func renderConfig(w io.Writer, cfg *Config) error {
	out := *cfg
	if out.Auth.Token != "" {
		out.Auth.Token = maskToken(out.Auth.Token)
	}
	data, err := toml.Marshal(out)
	if err != nil {
		return fmt.Errorf("cannot render config: %w", err)
	}
	_, err = w.Write(data)
	return err
}
