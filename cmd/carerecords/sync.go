package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var syncJSON bool

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().BoolVar(&syncJSON, "json", false, "Output the result as JSON")
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay queued changes against the backend once",
	Long:  "Run a single synchronization pass over the offline queue. Changes that keep failing are dropped after the retry ceiling and listed as abandoned.",
	RunE: func(cmd *cobra.Command, args []string) error {
		sess := mustSession()
		defer sess.Close()

		result := sess.offline.Synchronize(cmd.Context())
		if syncJSON {
			return printJSON(result)
		}

		fmt.Printf("Applied:   %d\n", result.Success)
		fmt.Printf("Failed:    %d\n", result.Failed)
		for _, a := range result.Abandoned {
			fmt.Printf("  %s %s %s after %d attempts: %s\n",
				color.New(color.FgRed).Sprint("ABANDONED"), a.Method, a.Endpoint, a.RetryCount, a.Error)
		}
		if n, err := sess.offline.PendingCount(cmd.Context()); err == nil {
			fmt.Printf("Remaining: %d\n", n)
		}
		return nil
	},
}
