package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	carerecords "github.com/care-records-pro/sdk/golang"
)

var (
	exportFile string
	exportKind string
)

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.AddCommand(exportCSVCmd)
	exportCSVCmd.Flags().StringVarP(&exportFile, "file", "f", "", "Write to this file instead of stdout")
	exportCSVCmd.Flags().StringVarP(&exportKind, "kind", "k", string(carerecords.ExportCombined),
		"Layout: combined, patients, vitals, prescriptions or complete")
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export records",
}

var exportCSVCmd = &cobra.Command{
	Use:   "csv",
	Short: "Export records as CSV",
	Long: `Export records as CSV. The combined layout has a row per patient and
prescription with the latest vitals; complete has a summary row per
patient; patients, vitals and prescriptions export one table each.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := parseExportKind(exportKind)
		if err != nil {
			return err
		}

		sess := mustSession()
		defer sess.Close()
		ctx := cmd.Context()

		patients, err := sess.records.Patients.List(ctx, "")
		if err != nil {
			return describeError(err)
		}
		vitals, err := sess.records.Vitals.List(ctx, "")
		if err != nil {
			return describeError(err)
		}
		prescriptions, err := sess.records.Prescriptions.List(ctx, "")
		if err != nil {
			return describeError(err)
		}

		var w io.Writer = os.Stdout
		if exportFile != "" {
			f, err := os.Create(exportFile)
			if err != nil {
				return fmt.Errorf("cannot create %s: %w", exportFile, err)
			}
			defer f.Close()
			w = f
		}
		data := carerecords.ExportData{Patients: patients, Vitals: vitals, Prescriptions: prescriptions}
		if err := carerecords.WriteExport(w, kind, data); err != nil {
			return err
		}
		if exportFile != "" {
			fmt.Fprintf(os.Stderr, "Exported %s for %d patient(s) to %s\n", kind, len(patients), exportFile)
		}
		return nil
	},
}

func parseExportKind(s string) (carerecords.ExportKind, error) {
	for _, k := range carerecords.ExportKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown export kind %q", s)
}
