package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	carerecords "github.com/care-records-pro/sdk/golang"
)

var (
	apptJSON bool

	// appt book / update
	apptUSN       string
	apptStart     string
	apptEnd       string
	apptDuration  time.Duration
	apptStatus    string
	apptTitle     string
	apptClinician string
	apptNotes     string
)

var apptCmd = &cobra.Command{
	Use:     "appt",
	Aliases: []string{"appointment"},
	Short:   "Manage the appointment calendar",
}

var apptListCmd = &cobra.Command{
	Use:   "list [usn]",
	Short: "List appointments, latest first",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess := mustSession()
		defer sess.Close()

		usn := ""
		if len(args) == 1 {
			usn = args[0]
		}
		list, err := sess.records.Appointments.List(cmd.Context(), usn)
		if err != nil {
			return describeError(err)
		}
		if apptJSON {
			return printJSON(list)
		}
		if len(list) == 0 {
			fmt.Println("No appointments found.")
			return nil
		}
		fmt.Printf("%-6s  %-10s  %-19s  %-6s  %-10s  %-16s  %s\n", "ID", "USN", "STARTS", "MIN", "STATUS", "CLINICIAN", "TITLE")
		for _, a := range list {
			fmt.Printf("%-6d  %-10s  %-19s  %-6.0f  %-10s  %-16s  %s\n",
				a.ID, a.USN, formatLocal(a.StartsAt), a.EndsAt.Sub(a.StartsAt).Minutes(),
				a.Status, valueOrDefault(a.Clinician, "-"), a.Title)
		}
		return nil
	},
}

var apptBookCmd = &cobra.Command{
	Use:     "book",
	Short:   "Book an appointment",
	Example: `  carerecords appt book --usn U100 --start "2026-04-03 09:00" --duration 20m --title Review`,
	RunE: func(cmd *cobra.Command, args []string) error {
		appt := &carerecords.Appointment{
			USN:       apptUSN,
			Status:    apptStatus,
			Title:     apptTitle,
			Clinician: apptClinician,
			Notes:     apptNotes,
		}
		if err := applyApptTimes(cmd, appt); err != nil {
			return err
		}
		if appt.EndsAt.IsZero() && !appt.StartsAt.IsZero() {
			appt.EndsAt = appt.StartsAt.Add(apptDuration)
		}

		sess := mustSession()
		defer sess.Close()

		resp, err := sess.records.Appointments.Create(cmd.Context(), appt)
		if err != nil {
			return describeError(err)
		}
		reportWrite("Appointment for "+appt.USN, resp)
		return nil
	},
}

var apptUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Change an appointment; unset flags keep their current values",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID("appointment", args[0])
		if err != nil {
			return err
		}
		appt := &carerecords.Appointment{
			ID:        id,
			Status:    apptStatus,
			Title:     apptTitle,
			Clinician: apptClinician,
			Notes:     apptNotes,
		}
		if err := applyApptTimes(cmd, appt); err != nil {
			return err
		}
		if cmd.Flags().Changed("duration") && !appt.StartsAt.IsZero() && appt.EndsAt.IsZero() {
			appt.EndsAt = appt.StartsAt.Add(apptDuration)
		}

		sess := mustSession()
		defer sess.Close()

		resp, err := sess.records.Appointments.Update(cmd.Context(), appt)
		if err != nil {
			return describeError(err)
		}
		reportWrite("Appointment "+args[0], resp)
		return nil
	},
}

var apptCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Mark an appointment cancelled",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID("appointment", args[0])
		if err != nil {
			return err
		}

		sess := mustSession()
		defer sess.Close()

		resp, err := sess.records.Appointments.Cancel(cmd.Context(), id)
		if err != nil {
			return describeError(err)
		}
		reportWrite("Appointment "+args[0]+" cancellation", resp)
		return nil
	},
}

var apptDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Remove an appointment from the calendar",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID("appointment", args[0])
		if err != nil {
			return err
		}

		sess := mustSession()
		defer sess.Close()

		resp, err := sess.records.Appointments.Delete(cmd.Context(), id)
		if err != nil {
			return describeError(err)
		}
		reportWrite("Appointment "+args[0]+" deletion", resp)
		return nil
	},
}

func applyApptTimes(cmd *cobra.Command, appt *carerecords.Appointment) error {
	var err error
	if cmd.Flags().Changed("start") {
		if appt.StartsAt, err = parseLocalTime(apptStart); err != nil {
			return err
		}
	}
	if cmd.Flags().Changed("end") {
		if appt.EndsAt, err = parseLocalTime(apptEnd); err != nil {
			return err
		}
	}
	return nil
}

var localTimeLayouts = []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02T15:04", time.DateTime}

// parseLocalTime reads a wall-clock time in the local zone unless it carries
// an offset, and returns it in UTC.
func parseLocalTime(s string) (time.Time, error) {
	for _, layout := range localTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("time must look like 2026-04-03 09:00, got %q", s)
}

func parseID(kind, s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s id %q", kind, s)
	}
	return id, nil
}

func init() {
	rootCmd.AddCommand(apptCmd)
	apptCmd.AddCommand(apptListCmd, apptBookCmd, apptUpdateCmd, apptCancelCmd, apptDeleteCmd)

	apptListCmd.Flags().BoolVar(&apptJSON, "json", false, "Output raw JSON")

	apptBookCmd.Flags().StringVar(&apptUSN, "usn", "", "Patient USN")
	for _, c := range []*cobra.Command{apptBookCmd, apptUpdateCmd} {
		f := c.Flags()
		f.StringVar(&apptStart, "start", "", "Start time, local unless an offset is given")
		f.StringVar(&apptEnd, "end", "", "End time (default start plus --duration)")
		f.DurationVar(&apptDuration, "duration", 30*time.Minute, "Length when --end is not given")
		f.StringVar(&apptTitle, "title", "", "Title")
		f.StringVar(&apptClinician, "clinician", "", "Clinician")
		f.StringVar(&apptNotes, "notes", "", "Notes")
	}
	apptUpdateCmd.Flags().StringVar(&apptStatus, "status", "", "Status, e.g. Completed")
}
