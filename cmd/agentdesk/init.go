package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var initWorkspace string

func init() {
	initCmd.Flags().StringVar(&initWorkspace, "workspace", "", "Default workspace id")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store an API token in ~/.agentdesk/config.toml",
	Long:  "Initialize the CLI by storing your API token (and optionally a default workspace) in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.Token = args[0]
		if initWorkspace != "" {
			cfg.Default.Workspace = initWorkspace
		}
		if cfg.Watch.Transport == "" {
			cfg.Watch.Transport = "ws"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		return nil
	},
}
