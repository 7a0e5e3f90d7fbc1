package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	carerecords "github.com/care-records-pro/sdk/golang"
)

var (
	rxJSON bool

	// rx create
	rxUSN       string
	rxDiagnosis string
	rxMeds      []string
	rxNotes     string
	rxFollowUp  string
)

var rxCmd = &cobra.Command{
	Use:     "rx",
	Aliases: []string{"prescription"},
	Short:   "Manage prescriptions",
}

var rxListCmd = &cobra.Command{
	Use:   "list [usn]",
	Short: "List prescriptions, newest first",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess := mustSession()
		defer sess.Close()

		usn := ""
		if len(args) == 1 {
			usn = args[0]
		}
		list, err := sess.records.Prescriptions.List(cmd.Context(), usn)
		if err != nil {
			return describeError(err)
		}
		if rxJSON {
			return printJSON(list)
		}
		if len(list) == 0 {
			fmt.Println("No prescriptions found.")
			return nil
		}
		for i, rx := range list {
			if i > 0 {
				fmt.Println()
			}
			fmt.Printf("#%d  %s  %s\n", rx.ID, rx.USN, formatLocal(rx.PrescribedAt))
			fmt.Printf("  Diagnosis: %s\n", rx.Diagnosis)
			for _, m := range rx.Medications {
				fmt.Printf("  - %s %s, %s\n", m.Name, m.Dosage, m.Frequency)
			}
			if rx.FollowUpDate != "" {
				fmt.Printf("  Follow-up: %s\n", rx.FollowUpDate)
			}
		}
		return nil
	},
}

var rxCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Write a prescription",
	Example: `  carerecords rx create --usn U100 --diagnosis "Acute pharyngitis" \
    --med "Amoxicillin|500mg|3x daily|7 days|after meals" \
    --med "Paracetamol|500mg|as needed"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rx := &carerecords.Prescription{
			USN:          rxUSN,
			Diagnosis:    rxDiagnosis,
			Notes:        rxNotes,
			FollowUpDate: rxFollowUp,
			PrescribedAt: time.Now().UTC(),
		}
		for _, raw := range rxMeds {
			med, err := parseMedication(raw)
			if err != nil {
				return err
			}
			rx.Medications = append(rx.Medications, med)
		}

		sess := mustSession()
		defer sess.Close()

		resp, err := sess.records.Prescriptions.Create(cmd.Context(), rx)
		if err != nil {
			return describeError(err)
		}
		reportWrite("Prescription for "+rx.USN, resp)
		return nil
	},
}

var rxDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a prescription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid prescription id %q", args[0])
		}

		sess := mustSession()
		defer sess.Close()

		resp, err := sess.records.Prescriptions.Delete(cmd.Context(), id)
		if err != nil {
			return describeError(err)
		}
		reportWrite("Prescription "+args[0]+" deletion", resp)
		return nil
	},
}

// parseMedication parses "name|dosage|frequency[|duration[|instructions]]".
func parseMedication(s string) (carerecords.Medication, error) {
	parts := strings.Split(s, "|")
	if len(parts) < 3 || len(parts) > 5 {
		return carerecords.Medication{}, fmt.Errorf("medication must be name|dosage|frequency[|duration[|instructions]], got %q", s)
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	med := carerecords.Medication{Name: parts[0], Dosage: parts[1], Frequency: parts[2]}
	if med.Name == "" || med.Dosage == "" || med.Frequency == "" {
		return carerecords.Medication{}, fmt.Errorf("medication %q needs a name, dosage and frequency", s)
	}
	if len(parts) > 3 {
		med.Duration = parts[3]
	}
	if len(parts) > 4 {
		med.Instructions = parts[4]
	}
	return med, nil
}

func init() {
	rootCmd.AddCommand(rxCmd)
	rxCmd.AddCommand(rxListCmd, rxCreateCmd, rxDeleteCmd)

	rxListCmd.Flags().BoolVar(&rxJSON, "json", false, "Output raw JSON")

	f := rxCreateCmd.Flags()
	f.StringVar(&rxUSN, "usn", "", "Patient USN")
	f.StringVar(&rxDiagnosis, "diagnosis", "", "Diagnosis")
	f.StringArrayVar(&rxMeds, "med", nil, "Medication as name|dosage|frequency[|duration[|instructions]] (repeatable)")
	f.StringVar(&rxNotes, "notes", "", "Additional notes")
	f.StringVar(&rxFollowUp, "follow-up", "", "Follow-up date (YYYY-MM-DD)")
}
