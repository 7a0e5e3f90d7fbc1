package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Care Records configuration",
	Long:  "View or modify the CLI configuration stored in ~/.carerecords/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration file and effective settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			fmt.Println("No configuration file found. Run 'carerecords init <base-url>' to create one.")
		case err != nil:
			return fmt.Errorf("cannot read config file: %w", err)
		default:
			fmt.Print(string(data))
		}

		s := getSettings()
		fmt.Println()
		fmt.Println("# effective settings (flags and CARERECORDS_* env applied)")
		fmt.Printf("# base_url        = %s\n", s.BaseURL)
		fmt.Printf("# db_path         = %s\n", s.DBPath)
		fmt.Printf("# retry_ceiling   = %d\n", s.RetryCeiling)
		fmt.Printf("# poll_interval   = %s\n", s.PollInterval)
		fmt.Printf("# request_timeout = %s\n", s.RequestTimeout)
		fmt.Printf("# sync_interval   = %s\n", s.SyncInterval)
		fmt.Printf("# listen_addr     = %s\n", s.ListenAddr)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: carerecords config set sync.retry_ceiling 5",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
