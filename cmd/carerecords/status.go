package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, backend reachability and queue depth",
	Long:  "Display the effective configuration, probe the backend's health endpoint, and summarize the offline queue.",
	RunE: func(cmd *cobra.Command, args []string) error {
		sess := mustSession()
		defer sess.Close()
		s := sess.settings

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", s.BaseURL)
		fmt.Printf("  Environment: %s\n", valueOrDefault(s.Environment, "(not set)"))
		fmt.Printf("  Store:       %s\n", s.DBPath)

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		probe := sess.monitor.CheckNow(ctx)
		fmt.Println()
		fmt.Println("Backend:")
		fmt.Printf("  State:       %s\n", stateBadge(sess.monitor.State()))
		if probe.Reachable {
			fmt.Printf("  Latency:     %s\n", probe.Latency.Round(time.Millisecond))
		} else {
			fmt.Printf("  Error:       %s\n", valueOrDefault(probe.Error, "unknown"))
		}

		changes, err := sess.offline.PendingChanges(ctx)
		fmt.Println()
		fmt.Println("Offline queue:")
		if err != nil {
			fmt.Printf("  Error reading queue: %v\n", err)
			return nil
		}
		fmt.Printf("  Pending:     %d\n", len(changes))
		if len(changes) == 0 {
			return nil
		}

		retrying := 0
		for _, c := range changes {
			if c.RetryCount > 0 {
				retrying++
			}
		}
		fmt.Printf("  Retrying:    %d\n", retrying)
		fmt.Printf("  Oldest:      %s ago (%s %s)\n",
			time.Since(changes[0].EnqueuedAt).Round(time.Second), changes[0].Method, changes[0].Endpoint)
		return nil
	},
}
