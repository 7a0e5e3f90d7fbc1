package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	carerecords "github.com/care-records-pro/sdk/golang"
)

var (
	queueOutput   string
	queueClearYes bool
)

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueClearCmd)

	queueListCmd.Flags().StringVarP(&queueOutput, "output", "o", "table", "Output format: table, json or yaml")
	queueClearCmd.Flags().BoolVar(&queueClearYes, "yes", false, "Confirm dropping every pending change")
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the offline queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending changes in replay order",
	RunE: func(cmd *cobra.Command, args []string) error {
		sess := mustSession()
		defer sess.Close()

		changes, err := sess.offline.PendingChanges(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to read queue: %w", err)
		}

		switch queueOutput {
		case "json":
			return printJSON(changes)
		case "yaml":
			return printYAML(changes)
		case "table", "":
			printQueueTable(changes)
			return nil
		}
		return fmt.Errorf("unknown output format %q (valid: table, json, yaml)", queueOutput)
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every pending change without sending it",
	RunE: func(cmd *cobra.Command, args []string) error {
		sess := mustSession()
		defer sess.Close()

		n, err := sess.offline.PendingCount(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to read queue: %w", err)
		}
		if n == 0 {
			fmt.Println("Queue is already empty.")
			return nil
		}
		if !queueClearYes {
			return fmt.Errorf("refusing to drop %d pending change(s) without --yes", n)
		}
		if err := sess.offline.ClearPending(cmd.Context()); err != nil {
			return fmt.Errorf("failed to clear queue: %w", err)
		}
		fmt.Printf("Dropped %d pending change(s).\n", n)
		return nil
	},
}

func printQueueTable(changes []carerecords.PendingChange) {
	if len(changes) == 0 {
		fmt.Println("No pending changes.")
		return
	}
	fmt.Printf("%-36s  %-6s  %-32s  %-7s  %s\n", "ID", "METHOD", "ENDPOINT", "RETRIES", "QUEUED")
	for _, c := range changes {
		fmt.Printf("%-36s  %-6s  %-32s  %-7d  %s\n",
			c.ID, c.Method, c.Endpoint, c.RetryCount, c.EnqueuedAt.Local().Format(time.DateTime))
		if c.LastError != "" {
			fmt.Printf("    last error: %s\n", c.LastError)
		}
	}
}
