package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var dashboardJSON bool

func init() {
	rootCmd.AddCommand(dashboardCmd)
	dashboardCmd.Flags().BoolVar(&dashboardJSON, "json", false, "Output raw JSON")
}

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Show today's clinic counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		sess := mustSession()
		defer sess.Close()

		counts, err := sess.records.Dashboard(cmd.Context())
		if err != nil {
			return describeError(err)
		}
		if dashboardJSON {
			return printJSON(counts)
		}
		fmt.Printf("Patients:           %d\n", counts.Patients)
		fmt.Printf("Appointments today: %d\n", counts.AppointmentsToday)
		fmt.Printf("Vitals today:       %d\n", counts.VitalsToday)
		fmt.Printf("Labs pending:       %d\n", counts.LabsPending)
		return nil
	},
}
