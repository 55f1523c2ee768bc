package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	agentdesk "github.com/agentdesk/agentdesk-go"
)

var filterWorkspace string

func init() {
	filterCmd.PersistentFlags().StringVar(&filterWorkspace, "workspace", "", "Workspace id (defaults to config)")
	rootCmd.AddCommand(filterCmd)
	filterCmd.AddCommand(filterShowCmd)
	filterCmd.AddCommand(filterSetCmd)
	filterCmd.AddCommand(filterClearCmd)
}

// defaultFilter is used when nothing was saved for a workspace.
func defaultFilter() agentdesk.Filter {
	return agentdesk.Filter{
		Tab:  "mine",
		Sort: agentdesk.Sort{Field: []string{"lastActivity.timestamp"}, Direction: []string{"desc"}},
	}
}

var filterCmd = &cobra.Command{
	Use:   "filter",
	Short: "Manage the saved conversation filter",
	Long:  "View or modify the conversation filter persisted per workspace in the local state database.",
}

var filterShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the saved filter as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		ws, err := workspaceOf(cfg, filterWorkspace)
		if err != nil {
			return err
		}
		store, err := openFilterStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		saved, err := store.LoadFilter(cmd.Context(), ws)
		if err != nil {
			return err
		}
		if saved == nil {
			fmt.Println("No saved filter; the default applies:")
			d := defaultFilter()
			saved = &d
		}
		out, _ := json.MarshalIndent(saved, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

var filterSetCmd = &cobra.Command{
	Use:   "set <path> <value>",
	Short: "Set one field of the saved filter",
	Long: "Set one field of the saved filter by JSON path. JSON values are stored as-is, anything else as a string.\n" +
		"Examples:\n" +
		"  agentdesk filter set tab team\n" +
		"  agentdesk filter set sort.direction.0 asc\n" +
		"  agentdesk filter set formValues.teams '[\"t1\",\"t2\"]'",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		ws, err := workspaceOf(cfg, filterWorkspace)
		if err != nil {
			return err
		}
		store, err := openFilterStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		current := defaultFilter()
		if saved, err := store.LoadFilter(cmd.Context(), ws); err != nil {
			return err
		} else if saved != nil {
			current = *saved
		}

		data, err := json.Marshal(current)
		if err != nil {
			return err
		}
		if gjson.Valid(value) {
			data, err = sjson.SetRawBytes(data, path, []byte(value))
		} else {
			data, err = sjson.SetBytes(data, path, value)
		}
		if err != nil {
			return fmt.Errorf("cannot set %s: %w", path, err)
		}

		var next agentdesk.Filter
		if err := json.Unmarshal(data, &next); err != nil {
			return fmt.Errorf("%s does not fit the filter: %w", path, err)
		}
		if err := store.SaveFilter(cmd.Context(), ws, next); err != nil {
			return err
		}
		fmt.Printf("Set %s = %s for %s\n", path, value, ws)
		return nil
	},
}

var filterClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the saved filter",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		ws, err := workspaceOf(cfg, filterWorkspace)
		if err != nil {
			return err
		}
		store, err := openFilterStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.DeleteFilter(cmd.Context(), ws); err != nil {
			return err
		}
		fmt.Printf("Cleared filter for %s\n", ws)
		return nil
	},
}
