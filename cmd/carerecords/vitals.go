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
	vitalsJSON bool

	// vitals record
	vitalsUSN         string
	vitalsWeight      float64
	vitalsHeight      float64
	vitalsBP          string
	vitalsPulse       int
	vitalsTemperature float64
	vitalsResp        int
	vitalsSpO2        int
	vitalsNotes       string
	vitalsBy          string
)

var vitalsCmd = &cobra.Command{
	Use:   "vitals",
	Short: "Record and review vital signs",
}

var vitalsListCmd = &cobra.Command{
	Use:   "list [usn]",
	Short: "List vitals, newest first",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sess := mustSession()
		defer sess.Close()

		usn := ""
		if len(args) == 1 {
			usn = args[0]
		}
		list, err := sess.records.Vitals.List(cmd.Context(), usn)
		if err != nil {
			return describeError(err)
		}
		if vitalsJSON {
			return printJSON(list)
		}
		if len(list) == 0 {
			fmt.Println("No vitals recorded.")
			return nil
		}
		fmt.Printf("%-6s  %-10s  %-7s  %5s  %5s  %6s  %5s  %s\n", "ID", "USN", "BP", "PULSE", "TEMP", "WEIGHT", "BMI", "RECORDED")
		for _, v := range list {
			fmt.Printf("%-6d  %-10s  %-7s  %5d  %5.1f  %6.1f  %5.1f  %s\n",
				v.ID, v.USN, fmt.Sprintf("%d/%d", v.BloodPressureSystolic, v.BloodPressureDiastolic),
				v.HeartRate, v.Temperature, v.Weight, v.ComputeBMI(), formatLocal(v.RecordedAt))
		}
		return nil
	},
}

var vitalsRecordCmd = &cobra.Command{
	Use:     "record",
	Short:   "Record a set of measurements",
	Example: "  carerecords vitals record --usn U100 --weight 62 --height 165 --bp 120/80 --pulse 72 --temp 36.8",
	RunE: func(cmd *cobra.Command, args []string) error {
		sys, dia, err := parseBloodPressure(vitalsBP)
		if err != nil {
			return err
		}

		v := &carerecords.Vitals{
			USN:                    vitalsUSN,
			Weight:                 vitalsWeight,
			Height:                 vitalsHeight,
			BloodPressureSystolic:  sys,
			BloodPressureDiastolic: dia,
			HeartRate:              vitalsPulse,
			Temperature:            vitalsTemperature,
			Notes:                  vitalsNotes,
			RecordedBy:             vitalsBy,
			RecordedAt:             time.Now().UTC(),
		}
		if cmd.Flags().Changed("resp") {
			v.RespiratoryRate = &vitalsResp
		}
		if cmd.Flags().Changed("spo2") {
			v.OxygenSaturation = &vitalsSpO2
		}

		sess := mustSession()
		defer sess.Close()

		resp, err := sess.records.Vitals.Record(cmd.Context(), v)
		if err != nil {
			return describeError(err)
		}
		reportWrite(fmt.Sprintf("Vitals for %s (BMI %.1f)", v.USN, v.BMI), resp)
		return nil
	},
}

var vitalsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a vitals entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid vitals id %q", args[0])
		}

		sess := mustSession()
		defer sess.Close()

		resp, err := sess.records.Vitals.Delete(cmd.Context(), id)
		if err != nil {
			return describeError(err)
		}
		reportWrite("Vitals "+args[0]+" deletion", resp)
		return nil
	},
}

// parseBloodPressure parses "systolic/diastolic", e.g. "120/80". An empty
// string yields zeros, which validation reports as missing.
func parseBloodPressure(s string) (int, int, error) {
	if s == "" {
		return 0, 0, nil
	}
	sys, dia, ok := strings.Cut(s, "/")
	if !ok {
		return 0, 0, fmt.Errorf("blood pressure must look like 120/80, got %q", s)
	}
	a, err1 := strconv.Atoi(strings.TrimSpace(sys))
	b, err2 := strconv.Atoi(strings.TrimSpace(dia))
	if err1 != nil || err2 != nil {
		return 0, 0, fmt.Errorf("blood pressure must look like 120/80, got %q", s)
	}
	return a, b, nil
}

func formatLocal(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func init() {
	rootCmd.AddCommand(vitalsCmd)
	vitalsCmd.AddCommand(vitalsListCmd, vitalsRecordCmd, vitalsDeleteCmd)

	vitalsListCmd.Flags().BoolVar(&vitalsJSON, "json", false, "Output raw JSON")

	f := vitalsRecordCmd.Flags()
	f.StringVar(&vitalsUSN, "usn", "", "Patient USN")
	f.Float64Var(&vitalsWeight, "weight", 0, "Weight in kg")
	f.Float64Var(&vitalsHeight, "height", 0, "Height in cm")
	f.StringVar(&vitalsBP, "bp", "", "Blood pressure as systolic/diastolic")
	f.IntVar(&vitalsPulse, "pulse", 0, "Heart rate in bpm")
	f.Float64Var(&vitalsTemperature, "temp", 0, "Temperature in °C")
	f.IntVar(&vitalsResp, "resp", 0, "Respiratory rate per minute")
	f.IntVar(&vitalsSpO2, "spo2", 0, "Oxygen saturation in %")
	f.StringVar(&vitalsNotes, "notes", "", "Free-text notes")
	f.StringVar(&vitalsBy, "by", "", "Who took the measurements")
}
