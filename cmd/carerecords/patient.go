package main

import (
	"fmt"

	"github.com/spf13/cobra"

	carerecords "github.com/care-records-pro/sdk/golang"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	patientJSON bool

	// patient create / update
	patientUSN     string
	patientName    string
	patientAge     int
	patientGender  string
	patientPhone   string
	patientAddress string
	patientEmail   string
)

var patientCmd = &cobra.Command{
	Use:   "patient",
	Short: "Manage patients",
}

var patientListCmd = &cobra.Command{
	Use:   "list [query]",
	Short: "List patients, optionally filtered by USN or name",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess := mustSession()
		defer sess.Close()

		query := ""
		if len(args) == 1 {
			query = args[0]
		}
		patients, err := sess.records.Patients.List(cmd.Context(), query)
		if err != nil {
			return describeError(err)
		}
		if patientJSON {
			return printJSON(patients)
		}
		if len(patients) == 0 {
			fmt.Println("No patients found.")
			return nil
		}
		fmt.Printf("%-12s  %-28s  %4s  %-6s  %s\n", "USN", "NAME", "AGE", "GENDER", "CONTACT")
		for _, p := range patients {
			fmt.Printf("%-12s  %-28s  %4d  %-6s  %s\n", p.USN, p.FullName, p.Age, p.Gender, p.Phone)
		}
		return nil
	},
}

var patientGetCmd = &cobra.Command{
	Use:   "get <usn>",
	Short: "Show one patient",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess := mustSession()
		defer sess.Close()

		p, err := sess.records.Patients.Get(cmd.Context(), args[0])
		if err != nil {
			return describeError(err)
		}
		if patientJSON {
			return printJSON(p)
		}
		fmt.Printf("USN:     %s\n", p.USN)
		fmt.Printf("Name:    %s\n", p.FullName)
		fmt.Printf("Age:     %d\n", p.Age)
		fmt.Printf("Gender:  %s\n", p.Gender)
		fmt.Printf("Contact: %s\n", valueOrDefault(p.Phone, "-"))
		fmt.Printf("Address: %s\n", valueOrDefault(p.Address, "-"))
		fmt.Printf("Email:   %s\n", valueOrDefault(p.Email, "-"))
		return nil
	},
}

var patientCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a patient",
	RunE: func(cmd *cobra.Command, args []string) error {
		sess := mustSession()
		defer sess.Close()

		p := &carerecords.Patient{}
		applyPatientFlags(cmd, p)
		resp, err := sess.records.Patients.Create(cmd.Context(), p)
		if err != nil {
			return describeError(err)
		}
		reportWrite("Patient "+p.USN, resp)
		return nil
	},
}

var patientUpdateCmd = &cobra.Command{
	Use:   "update <usn>",
	Short: "Update a patient; unset flags keep their current values",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess := mustSession()
		defer sess.Close()

		p, err := sess.records.Patients.Get(cmd.Context(), args[0])
		if err != nil {
			// Offline without a cached copy: the flags must describe the
			// whole record.
			sess.logger.Debug().Err(err).Msg("could not load current patient")
			p = &carerecords.Patient{}
		}
		applyPatientFlags(cmd, p)
		p.USN = args[0]

		resp, err := sess.records.Patients.Update(cmd.Context(), p)
		if err != nil {
			return describeError(err)
		}
		reportWrite("Patient "+p.USN, resp)
		return nil
	},
}

var patientDeleteCmd = &cobra.Command{
	Use:   "delete <usn>",
	Short: "Delete a patient",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess := mustSession()
		defer sess.Close()

		resp, err := sess.records.Patients.Delete(cmd.Context(), args[0])
		if err != nil {
			return describeError(err)
		}
		reportWrite("Patient "+args[0]+" deletion", resp)
		return nil
	},
}

// applyPatientFlags copies the flags the user set onto p.
func applyPatientFlags(cmd *cobra.Command, p *carerecords.Patient) {
	flags := cmd.Flags()
	if flags.Changed("usn") {
		p.USN = patientUSN
	}
	if flags.Changed("name") {
		p.FullName = patientName
	}
	if flags.Changed("age") {
		p.Age = patientAge
	}
	if flags.Changed("gender") {
		p.Gender = patientGender
	}
	if flags.Changed("phone") {
		p.Phone = patientPhone
	}
	if flags.Changed("address") {
		p.Address = patientAddress
	}
	if flags.Changed("email") {
		p.Email = patientEmail
	}
}

func init() {
	rootCmd.AddCommand(patientCmd)
	patientCmd.AddCommand(patientListCmd, patientGetCmd, patientCreateCmd, patientUpdateCmd, patientDeleteCmd)

	patientListCmd.Flags().BoolVar(&patientJSON, "json", false, "Output raw JSON")
	patientGetCmd.Flags().BoolVar(&patientJSON, "json", false, "Output raw JSON")

	patientCreateCmd.Flags().StringVar(&patientUSN, "usn", "", "Unique serial number")
	for _, c := range []*cobra.Command{patientCreateCmd, patientUpdateCmd} {
		c.Flags().StringVar(&patientName, "name", "", "Full name")
		c.Flags().IntVar(&patientAge, "age", 0, "Age in years")
		c.Flags().StringVar(&patientGender, "gender", "", "Gender")
		c.Flags().StringVar(&patientPhone, "phone", "", "Contact number")
		c.Flags().StringVar(&patientAddress, "address", "", "Postal address")
		c.Flags().StringVar(&patientEmail, "email", "", "Email address")
	}
}
