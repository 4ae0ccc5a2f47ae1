package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/LuminPulse-AI/tasksync"
)

// engineConfig turns the CLI configuration into an engine configuration.
func engineConfig(cfg *Config) (tasksync.Config, error) {
	if cfg.Auth.UserID == "" {
		return tasksync.Config{}, fmt.Errorf("no session. Run 'tasksync init <user-id>' first")
	}
	if cfg.Server.BaseURL == "" {
		return tasksync.Config{}, fmt.Errorf("no base URL. Run 'tasksync config set server.base_url <url>'")
	}
	out := tasksync.Config{
		BaseURL:        cfg.Server.BaseURL,
		RealtimeURL:    realtimeURL(cfg),
		Token:          cfg.Auth.Token,
		UserID:         cfg.Auth.UserID,
		MaxActiveChats: cfg.Engine.MaxActiveChats,
	}
	if cfg.Engine.RefetchTimeout != "" {
		d, err := time.ParseDuration(cfg.Engine.RefetchTimeout)
		if err != nil {
			return tasksync.Config{}, fmt.Errorf("refetch_timeout: %w", err)
		}
		out.RefetchTimeout = d
	}
	return out, nil
}

// realtimeURL defaults to the /realtime path of the base URL.
func realtimeURL(cfg *Config) string {
	if cfg.Server.RealtimeURL != "" {
		return cfg.Server.RealtimeURL
	}
	return strings.TrimRight(cfg.Server.BaseURL, "/") + "/realtime"
}

// getEngine builds an engine from the effective configuration.
func getEngine() (*tasksync.Engine, error) {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	ecfg, err := engineConfig(cfg)
	if err != nil {
		return nil, err
	}
	e, err := tasksync.New(ecfg, tasksync.WithLogger(log))
	if err != nil {
		return nil, err
	}
	e.OnMutationError(func(err *tasksync.MutationError) {
		log.Warn().Str("op", err.Op).Stringer("key", err.Key).Err(err.Err).Msg("mutation rolled back")
	})
	e.OnRefetchError(func(err *tasksync.RefetchError) {
		log.Error().Stringer("key", err.Key).Int("failures", err.Failures).Err(err.Err).Msg("live data is stale")
	})
	return e, nil
}

func maskToken(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:4] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
