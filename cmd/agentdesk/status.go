package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusWorkspace string

func init() {
	statusCmd.Flags().StringVar(&statusWorkspace, "workspace", "", "Workspace id (defaults to config)")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration, the saved filter, and live account, team and conversation counts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		fmt.Printf("  Workspace:   %s\n", valueOrDefault(cfg.Default.Workspace, "(not set)"))
		if cfg.Default.Token != "" {
			fmt.Printf("  Token:       %s\n", maskToken(cfg.Default.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}
		fmt.Printf("  Transport:   %s\n", valueOrDefault(cfg.Watch.Transport, "ws"))

		if cfg.Default.Token == "" {
			return nil
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		client := getClient(cfg)
		fmt.Println()
		fmt.Println("Live status:")

		me, err := client.Account.Me(ctx)
		if err != nil {
			fmt.Printf("  Error fetching account info: %v\n", err)
			return nil
		}
		fmt.Printf("  User:          %s (%s)\n", valueOrDefault(me.Name, "-"), me.ID)

		ws, err := workspaceOf(cfg, statusWorkspace)
		if err != nil {
			fmt.Printf("  %v\n", err)
			return nil
		}
		fmt.Printf("  Role:          %s\n", valueOrDefault(me.WorkspaceRoles[ws], "member"))

		teams, err := client.Teams.FetchTeams(ctx, ws)
		if err != nil {
			fmt.Printf("  Error fetching teams: %v\n", err)
		} else {
			fmt.Printf("  Teams:         %d\n", len(teams))
		}

		filter := defaultFilter()
		if store, err := openFilterStore(ctx, cfg); err == nil {
			defer store.Close()
			if saved, err := store.LoadFilter(ctx, ws); err == nil && saved != nil {
				filter = *saved
			}
		}
		fmt.Printf("  Filter tab:    %s\n", filter.Tab)

		n, err := client.Conversations.Count(ctx, ws, filter)
		if err != nil {
			fmt.Printf("  Error counting conversations: %v\n", err)
			return nil
		}
		fmt.Printf("  Conversations: %d\n", n)
		return nil
	},
}
