package carerecords

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"
)

// PatientCSVHeader is the first row written by WritePatientCSV.
var PatientCSVHeader = []string{
	"USN", "Full Name", "Age", "Gender", "Contact", "Address",
	"BP", "Pulse", "Temp", "Weight", "Height", "Vitals Time",
	"Prescription", "Prescribed At",
}

// WritePatientCSV writes one row per patient and prescription pair, or a
// single row with empty prescription columns for a patient without any. Each
// row carries the patient's most recent vitals. Prescription text is
// flattened onto one line.
func WritePatientCSV(w io.Writer, patients []Patient, vitals []Vitals, prescriptions []Prescription) error {
	latest := latestVitals(vitals)
	byPatient := make(map[string][]Prescription)
	for _, rx := range prescriptions {
		byPatient[rx.USN] = append(byPatient[rx.USN], rx)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(PatientCSVHeader); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}

	for _, p := range patients {
		base := []string{p.USN, p.FullName, strconv.Itoa(p.Age), p.Gender, p.Phone, p.Address}
		base = append(base, vitalsColumns(latest[p.USN])...)

		related := byPatient[p.USN]
		if len(related) == 0 {
			if err := cw.Write(append(base, "", "")); err != nil {
				return fmt.Errorf("failed to write csv row: %w", err)
			}
			continue
		}
		for _, rx := range related {
			row := append(append([]string(nil), base...), prescriptionText(&rx), formatTime(rx.PrescribedAt))
			if err := cw.Write(row); err != nil {
				return fmt.Errorf("failed to write csv row: %w", err)
			}
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("failed to flush csv: %w", err)
	}
	return nil
}

func latestVitals(vitals []Vitals) map[string]*Vitals {
	latest := make(map[string]*Vitals)
	for i := range vitals {
		v := &vitals[i]
		cur, ok := latest[v.USN]
		if !ok || v.RecordedAt.After(cur.RecordedAt) || (v.RecordedAt.Equal(cur.RecordedAt) && v.ID > cur.ID) {
			latest[v.USN] = v
		}
	}
	return latest
}

func vitalsColumns(v *Vitals) []string {
	if v == nil {
		return []string{"", "", "", "", "", ""}
	}
	return []string{
		fmt.Sprintf("%d/%d", v.BloodPressureSystolic, v.BloodPressureDiastolic),
		strconv.Itoa(v.HeartRate),
		formatFloat(v.Temperature),
		formatFloat(v.Weight),
		formatFloat(v.Height),
		formatTime(v.RecordedAt),
	}
}

func prescriptionText(rx *Prescription) string {
	text := strings.ReplaceAll(prescriptionNotes(rx), "\r\n", " ")
	return strings.ReplaceAll(text, "\n", " ")
}

// prescriptionNotes is the stored notes block, composed when the
// prescription was built locally.
func prescriptionNotes(rx *Prescription) string {
	if rx.Diagnosis != "" {
		return rx.ComposeNotes()
	}
	return rx.Notes
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// ============================================================================
// Table exports
// ============================================================================

// ExportKind selects a CSV layout for WriteExport.
type ExportKind string

const (
	// ExportCombined is the WritePatientCSV layout.
	ExportCombined      ExportKind = "combined"
	ExportPatients      ExportKind = "patients"
	ExportVitals        ExportKind = "vitals"
	ExportPrescriptions ExportKind = "prescriptions"
	ExportComplete      ExportKind = "complete"
)

var ExportKinds = []ExportKind{ExportCombined, ExportPatients, ExportVitals, ExportPrescriptions, ExportComplete}

var (
	PatientsCSVHeader = []string{"USN", "Full Name", "Age", "Gender", "Contact", "Address"}

	VitalsCSVHeader = []string{
		"USN", "Patient Name", "Weight (kg)", "Height (cm)", "BMI",
		"Systolic BP", "Diastolic BP", "Heart Rate", "Temperature",
		"Respiratory Rate", "Oxygen Saturation", "Notes", "Recorded At",
	}

	PrescriptionsCSVHeader = []string{"USN", "Patient Name", "Prescription Notes", "Prescribed At"}

	CompleteCSVHeader = []string{
		"USN", "Full Name", "Age", "Gender", "Contact", "Address",
		"Latest Weight", "Latest Height", "Latest BMI", "Latest BP",
		"Latest Heart Rate", "Latest Temperature", "Total Vitals Records", "Total Prescriptions",
	}
)

// ExportData is the record set an export is built from.
type ExportData struct {
	Patients      []Patient
	Vitals        []Vitals
	Prescriptions []Prescription
}

// WriteExport writes one of the export layouts. Patients are ordered by name,
// vitals and prescriptions newest first. Vitals and prescriptions of a
// patient not in data.Patients are left out.
func WriteExport(w io.Writer, kind ExportKind, data ExportData) error {
	switch kind {
	case ExportCombined:
		return WritePatientCSV(w, data.Patients, data.Vitals, data.Prescriptions)
	case ExportPatients:
		return writeTable(w, PatientsCSVHeader, patientRows(data))
	case ExportVitals:
		return writeTable(w, VitalsCSVHeader, vitalsRows(data))
	case ExportPrescriptions:
		return writeTable(w, PrescriptionsCSVHeader, prescriptionRows(data))
	case ExportComplete:
		return writeTable(w, CompleteCSVHeader, completeRows(data))
	}
	return fmt.Errorf("unknown export %q", kind)
}

func writeTable(w io.Writer, header []string, rows [][]string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	if err := cw.WriteAll(rows); err != nil {
		return fmt.Errorf("failed to write csv: %w", err)
	}
	return nil
}

func patientsByName(patients []Patient) []Patient {
	sorted := append([]Patient(nil), patients...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].FullName < sorted[j].FullName })
	return sorted
}

func patientColumns(p *Patient) []string {
	return []string{p.USN, p.FullName, strconv.Itoa(p.Age), p.Gender, p.Phone, p.Address}
}

func namesByUSN(patients []Patient) map[string]string {
	names := make(map[string]string, len(patients))
	for _, p := range patients {
		names[p.USN] = p.FullName
	}
	return names
}

func patientRows(data ExportData) [][]string {
	var rows [][]string
	for _, p := range patientsByName(data.Patients) {
		rows = append(rows, patientColumns(&p))
	}
	return rows
}

func vitalsRows(data ExportData) [][]string {
	names := namesByUSN(data.Patients)
	sorted := append([]Vitals(nil), data.Vitals...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].RecordedAt.After(sorted[j].RecordedAt) })

	var rows [][]string
	for _, v := range sorted {
		name, ok := names[v.USN]
		if !ok {
			continue
		}
		rows = append(rows, []string{
			v.USN, name, formatFloat(v.Weight), formatFloat(v.Height), formatBMI(&v),
			strconv.Itoa(v.BloodPressureSystolic), strconv.Itoa(v.BloodPressureDiastolic),
			strconv.Itoa(v.HeartRate), formatFloat(v.Temperature),
			formatOptional(v.RespiratoryRate), formatOptional(v.OxygenSaturation),
			v.Notes, formatTime(v.RecordedAt),
		})
	}
	return rows
}

func prescriptionRows(data ExportData) [][]string {
	names := namesByUSN(data.Patients)
	sorted := append([]Prescription(nil), data.Prescriptions...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].PrescribedAt.After(sorted[j].PrescribedAt) })

	var rows [][]string
	for _, rx := range sorted {
		name, ok := names[rx.USN]
		if !ok {
			continue
		}
		rows = append(rows, []string{rx.USN, name, prescriptionNotes(&rx), formatTime(rx.PrescribedAt)})
	}
	return rows
}

func completeRows(data ExportData) [][]string {
	latest := latestVitals(data.Vitals)
	vitalsCount := make(map[string]int)
	for _, v := range data.Vitals {
		vitalsCount[v.USN]++
	}
	rxCount := make(map[string]int)
	for _, rx := range data.Prescriptions {
		rxCount[rx.USN]++
	}

	var rows [][]string
	for _, p := range patientsByName(data.Patients) {
		row := patientColumns(&p)
		if v := latest[p.USN]; v != nil {
			row = append(row,
				formatFloat(v.Weight), formatFloat(v.Height), formatBMI(v),
				fmt.Sprintf("%d/%d", v.BloodPressureSystolic, v.BloodPressureDiastolic),
				strconv.Itoa(v.HeartRate), formatFloat(v.Temperature))
		} else {
			row = append(row, "", "", "", "", "", "")
		}
		row = append(row, strconv.Itoa(vitalsCount[p.USN]), strconv.Itoa(rxCount[p.USN]))
		rows = append(rows, row)
	}
	return rows
}

func formatBMI(v *Vitals) string {
	bmi := v.BMI
	if bmi == 0 {
		bmi = v.ComputeBMI()
	}
	if bmi == 0 {
		return ""
	}
	return strconv.FormatFloat(bmi, 'f', 1, 64)
}

func formatOptional(n *int) string {
	if n == nil {
		return ""
	}
	return strconv.Itoa(*n)
}
