package main

import (
	"fmt"

	"github.com/spf13/cobra"

	carerecords "github.com/care-records-pro/sdk/golang"
)

var (
	labJSON bool

	labUSN         string
	labTestCode    string
	labNotes       string
	labResultValue string
)

var labCmd = &cobra.Command{
	Use:   "lab",
	Short: "Order lab tests and record results",
}

var labTestsCmd = &cobra.Command{
	Use:   "tests",
	Short: "List the orderable tests",
	RunE: func(cmd *cobra.Command, args []string) error {
		sess := mustSession()
		defer sess.Close()

		tests, err := sess.records.Labs.Tests(cmd.Context())
		if err != nil {
			return describeError(err)
		}
		if labJSON {
			return printJSON(tests)
		}
		fmt.Printf("%-8s  %-32s  %-8s  %-8s  %s\n", "CODE", "NAME", "SPECIMEN", "UNIT", "RANGE")
		for _, t := range tests {
			fmt.Printf("%-8s  %-32s  %-8s  %-8s  %s\n", t.Code, t.Name,
				valueOrDefault(t.Specimen, "-"), valueOrDefault(t.Unit, "-"), valueOrDefault(t.RefRange, "-"))
		}
		return nil
	},
}

var labOrdersCmd = &cobra.Command{
	Use:   "orders [usn]",
	Short: "List ordered tests, newest order first",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess := mustSession()
		defer sess.Close()

		usn := ""
		if len(args) == 1 {
			usn = args[0]
		}
		orders, err := sess.records.Labs.Orders(cmd.Context(), usn)
		if err != nil {
			return describeError(err)
		}
		if labJSON {
			return printJSON(orders)
		}
		if len(orders) == 0 {
			fmt.Println("No lab orders found.")
			return nil
		}
		fmt.Printf("%-6s  %-6s  %-10s  %-8s  %-10s  %-19s  %s\n", "ORDER", "ITEM", "USN", "TEST", "STATUS", "ORDERED", "RESULT")
		for _, o := range orders {
			fmt.Printf("%-6d  %-6d  %-10s  %-8s  %-10s  %-19s  %s\n",
				o.ID, o.ItemID, o.USN, o.TestCode, o.Status, formatLocal(o.OrderedAt), valueOrDefault(o.ResultValue, "-"))
		}
		return nil
	},
}

var labOrderCmd = &cobra.Command{
	Use:     "order",
	Short:   "Order a test for a patient",
	Example: "  carerecords lab order --usn U100 --test GLU",
	RunE: func(cmd *cobra.Command, args []string) error {
		sess := mustSession()
		defer sess.Close()

		req := &carerecords.LabOrderRequest{USN: labUSN, TestCode: labTestCode, Notes: labNotes}
		resp, err := sess.records.Labs.Order(cmd.Context(), req)
		if err != nil {
			return describeError(err)
		}
		reportWrite(fmt.Sprintf("Lab order %s for %s", req.TestCode, req.USN), resp)
		return nil
	},
}

var labResultCmd = &cobra.Command{
	Use:   "result <item-id>",
	Short: "Record the result of an ordered test",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID("order item", args[0])
		if err != nil {
			return err
		}

		sess := mustSession()
		defer sess.Close()

		resp, err := sess.records.Labs.RecordResult(cmd.Context(), id, &carerecords.LabResult{Value: labResultValue, Notes: labNotes})
		if err != nil {
			return describeError(err)
		}
		reportWrite("Result for item "+args[0], resp)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(labCmd)
	labCmd.AddCommand(labTestsCmd, labOrdersCmd, labOrderCmd, labResultCmd)

	labTestsCmd.Flags().BoolVar(&labJSON, "json", false, "Output raw JSON")
	labOrdersCmd.Flags().BoolVar(&labJSON, "json", false, "Output raw JSON")

	labOrderCmd.Flags().StringVar(&labUSN, "usn", "", "Patient USN")
	labOrderCmd.Flags().StringVar(&labTestCode, "test", "", "Test code, see 'lab tests'")
	labOrderCmd.Flags().StringVar(&labNotes, "notes", "", "Notes for the lab")

	labResultCmd.Flags().StringVar(&labResultValue, "value", "", "Result value")
	labResultCmd.Flags().StringVar(&labNotes, "notes", "", "Result notes")
}
