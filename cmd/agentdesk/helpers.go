package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	agentdesk "github.com/agentdesk/agentdesk-go"
)

// getClient creates a client authenticated with the configured token.
func getClient(cfg *Config) *agentdesk.Client {
	if cfg.Default.Token == "" {
		fmt.Fprintln(os.Stderr, "No API token. Run 'agentdesk init <token>' or set "+envToken+".")
		os.Exit(1)
	}

	var opts []agentdesk.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, agentdesk.WithBaseURL(cfg.Default.BaseURL))
	}
	return agentdesk.NewClient(cfg.Default.Token, opts...)
}

// workspaceOf returns the workspace from the flag or the config.
func workspaceOf(cfg *Config, flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if cfg.Default.Workspace == "" {
		return "", fmt.Errorf("no workspace: pass --workspace or run 'agentdesk config set default.workspace <id>'")
	}
	return cfg.Default.Workspace, nil
}

// openFilterStore opens the state database, defaulting to
// ~/.agentdesk/state.db.
func openFilterStore(ctx context.Context, cfg *Config) (*agentdesk.SQLiteFilterStore, error) {
	path := cfg.State.DB
	if path == "" {
		dir, err := configDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "state.db")
	}
	return agentdesk.OpenSQLiteFilterStore(ctx, path)
}

func newLogger(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger().Level(level)
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 12 {
		return "****"
	}
	return token[:8] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
