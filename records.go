package carerecords

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// ============================================================================
// Records (orchestrates entity sub-clients)
// ============================================================================

// Records provides the patient, vitals, prescription, appointment and lab
// endpoints. Built over
// a *Client it talks to the server directly; built over an *OfflineManager
// mutations are queued while the backend is unreachable and reads fall back
// to the cache.
type Records struct {
	requester Requester

	Patients      *PatientsClient
	Vitals        *VitalsClient
	Prescriptions *PrescriptionsClient
	Appointments  *AppointmentsClient
	Labs          *LabsClient
}

func NewRecords(r Requester) *Records {
	rec := &Records{requester: r}
	rec.Patients = &PatientsClient{rec: rec}
	rec.Vitals = &VitalsClient{rec: rec}
	rec.Prescriptions = &PrescriptionsClient{rec: rec}
	rec.Appointments = &AppointmentsClient{rec: rec}
	rec.Labs = &LabsClient{rec: rec}
	return rec
}

// Dashboard returns the server's headline counts.
func (r *Records) Dashboard(ctx context.Context) (*DashboardCounts, error) {
	resp, err := r.do(ctx, http.MethodGet, "/api/metrics", nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[DashboardCounts](resp.Body)
}

func (r *Records) do(ctx context.Context, method, path string, body any) (*Response, error) {
	return r.requester.Dispatch(ctx, method, path, body)
}

func listOf[T any](ctx context.Context, r *Records, path string) ([]T, error) {
	resp, err := r.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var items []T
	if err := resp.Decode(&items); err != nil {
		return nil, err
	}
	return items, nil
}

func byUSN(path, usn string) string {
	if usn == "" {
		return path
	}
	return path + "?usn=" + url.QueryEscape(usn)
}

// ============================================================================
// Sub-Clients
// ============================================================================

// PatientsClient handles patient demographics.
type PatientsClient struct{ rec *Records }

// List returns all patients. A non-empty query keeps only patients whose USN
// or name contains it, case-insensitively.
func (p *PatientsClient) List(ctx context.Context, query string) ([]Patient, error) {
	patients, err := listOf[Patient](ctx, p.rec, "/api/patients")
	if err != nil || query == "" {
		return patients, err
	}
	q := strings.ToLower(query)
	filtered := patients[:0]
	for _, pt := range patients {
		if strings.Contains(strings.ToLower(pt.USN), q) || strings.Contains(strings.ToLower(pt.FullName), q) {
			filtered = append(filtered, pt)
		}
	}
	return filtered, nil
}

func (p *PatientsClient) Get(ctx context.Context, usn string) (*Patient, error) {
	if usn == "" {
		return nil, &ValidationError{Fields: []string{"usn"}}
	}
	resp, err := p.rec.do(ctx, http.MethodGet, "/api/patients/"+url.PathEscape(usn), nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Patient](resp.Body)
}

func (p *PatientsClient) Create(ctx context.Context, patient *Patient) (*Response, error) {
	if err := ValidatePatient(patient); err != nil {
		return nil, err
	}
	return p.rec.do(ctx, http.MethodPost, "/api/patients", patient)
}

func (p *PatientsClient) Update(ctx context.Context, patient *Patient) (*Response, error) {
	if err := ValidatePatient(patient); err != nil {
		return nil, err
	}
	return p.rec.do(ctx, http.MethodPut, "/api/patients/"+url.PathEscape(patient.USN), patient)
}

func (p *PatientsClient) Delete(ctx context.Context, usn string) (*Response, error) {
	if usn == "" {
		return nil, &ValidationError{Fields: []string{"usn"}}
	}
	return p.rec.do(ctx, http.MethodDelete, "/api/patients/"+url.PathEscape(usn), nil)
}

// VitalsClient handles vital sign measurements.
type VitalsClient struct{ rec *Records }

// List returns vitals newest first; an empty usn lists every patient's.
func (v *VitalsClient) List(ctx context.Context, usn string) ([]Vitals, error) {
	return listOf[Vitals](ctx, v.rec, byUSN("/api/vitals", usn))
}

// Record stores a new set of measurements. BMI is derived when unset.
func (v *VitalsClient) Record(ctx context.Context, vitals *Vitals) (*Response, error) {
	if err := ValidateVitals(vitals); err != nil {
		return nil, err
	}
	if vitals.BMI == 0 {
		vitals.BMI = vitals.ComputeBMI()
	}
	return v.rec.do(ctx, http.MethodPost, "/api/vitals", vitals)
}

func (v *VitalsClient) Update(ctx context.Context, vitals *Vitals) (*Response, error) {
	if err := ValidateVitals(vitals); err != nil {
		return nil, err
	}
	if vitals.ID <= 0 {
		return nil, &ValidationError{Fields: []string{"id"}}
	}
	vitals.BMI = vitals.ComputeBMI()
	return v.rec.do(ctx, http.MethodPut, "/api/vitals/"+strconv.FormatInt(vitals.ID, 10), vitals)
}

func (v *VitalsClient) Delete(ctx context.Context, id int64) (*Response, error) {
	if id <= 0 {
		return nil, &ValidationError{Fields: []string{"id"}}
	}
	return v.rec.do(ctx, http.MethodDelete, "/api/vitals/"+strconv.FormatInt(id, 10), nil)
}

// PrescriptionsClient handles prescriptions.
type PrescriptionsClient struct{ rec *Records }

func (p *PrescriptionsClient) List(ctx context.Context, usn string) ([]Prescription, error) {
	return listOf[Prescription](ctx, p.rec, byUSN("/api/prescriptions", usn))
}

func (p *PrescriptionsClient) Create(ctx context.Context, rx *Prescription) (*Response, error) {
	if err := ValidatePrescription(rx); err != nil {
		return nil, err
	}
	return p.rec.do(ctx, http.MethodPost, "/api/prescriptions", rx)
}

func (p *PrescriptionsClient) Update(ctx context.Context, rx *Prescription) (*Response, error) {
	if err := ValidatePrescription(rx); err != nil {
		return nil, err
	}
	if rx.ID <= 0 {
		return nil, &ValidationError{Fields: []string{"id"}}
	}
	return p.rec.do(ctx, http.MethodPut, "/api/prescriptions/"+strconv.FormatInt(rx.ID, 10), rx)
}

func (p *PrescriptionsClient) Delete(ctx context.Context, id int64) (*Response, error) {
	if id <= 0 {
		return nil, &ValidationError{Fields: []string{"id"}}
	}
	return p.rec.do(ctx, http.MethodDelete, "/api/prescriptions/"+strconv.FormatInt(id, 10), nil)
}

// AppointmentsClient handles the appointment calendar. The server takes
// updates and deletes as POSTs to action paths.
type AppointmentsClient struct{ rec *Records }

// List returns appointments, latest start first.
func (a *AppointmentsClient) List(ctx context.Context, usn string) ([]Appointment, error) {
	return listOf[Appointment](ctx, a.rec, byUSN("/api/appointments", usn))
}

// Create books an appointment. An empty status is stored as Scheduled.
func (a *AppointmentsClient) Create(ctx context.Context, appt *Appointment) (*Response, error) {
	if err := ValidateAppointment(appt); err != nil {
		return nil, err
	}
	return a.rec.do(ctx, http.MethodPost, "/api/appointments", appt)
}

// Update changes the non-empty fields of appointment appt.ID.
func (a *AppointmentsClient) Update(ctx context.Context, appt *Appointment) (*Response, error) {
	if appt == nil || appt.ID <= 0 {
		return nil, &ValidationError{Fields: []string{"id"}}
	}
	if !appt.StartsAt.IsZero() && !appt.EndsAt.IsZero() && appt.EndsAt.Before(appt.StartsAt) {
		return nil, &ValidationError{Fields: []string{"ends_at"}}
	}
	return a.rec.do(ctx, http.MethodPost, appointmentPath(appt.ID, "update"), appt)
}

// Cancel marks an appointment cancelled, keeping it on the calendar.
func (a *AppointmentsClient) Cancel(ctx context.Context, id int64) (*Response, error) {
	return a.Update(ctx, &Appointment{ID: id, Status: AppointmentCancelled})
}

func (a *AppointmentsClient) Delete(ctx context.Context, id int64) (*Response, error) {
	if id <= 0 {
		return nil, &ValidationError{Fields: []string{"id"}}
	}
	return a.rec.do(ctx, http.MethodPost, appointmentPath(id, "delete"), nil)
}

func appointmentPath(id int64, action string) string {
	return "/api/appointments/" + strconv.FormatInt(id, 10) + "/" + action
}

// LabsClient handles the test catalogue, lab orders and results.
type LabsClient struct{ rec *Records }

// Tests returns the active catalogue, by name.
func (l *LabsClient) Tests(ctx context.Context) ([]LabTest, error) {
	return listOf[LabTest](ctx, l.rec, "/api/lab-tests")
}

// Orders returns one row per ordered test, newest order first. An empty usn
// lists the most recent orders of every patient.
func (l *LabsClient) Orders(ctx context.Context, usn string) ([]LabOrder, error) {
	return listOf[LabOrder](ctx, l.rec, byUSN("/api/lab-orders", usn))
}

// Order requests a test. An unknown code is rejected by the server with 404.
func (l *LabsClient) Order(ctx context.Context, req *LabOrderRequest) (*Response, error) {
	if err := ValidateLabOrder(req); err != nil {
		return nil, err
	}
	return l.rec.do(ctx, http.MethodPost, "/api/lab-orders", req)
}

// RecordResult completes an order item. The order is completed once all of
// its items are.
func (l *LabsClient) RecordResult(ctx context.Context, itemID int64, result *LabResult) (*Response, error) {
	var missing []string
	if itemID <= 0 {
		missing = append(missing, "item_id")
	}
	if result == nil || strings.TrimSpace(result.Value) == "" {
		missing = append(missing, "result_value")
	}
	if err := validationResult(missing); err != nil {
		return nil, err
	}
	return l.rec.do(ctx, http.MethodPost, "/api/lab-results/"+strconv.FormatInt(itemID, 10), result)
}

// ============================================================================
// Validation
// ============================================================================

// ValidatePatient checks the fields the server requires.
func ValidatePatient(p *Patient) error {
	if p == nil {
		return &ValidationError{Fields: []string{"patient"}}
	}
	var missing []string
	if strings.TrimSpace(p.USN) == "" {
		missing = append(missing, "usn")
	}
	if strings.TrimSpace(p.FullName) == "" {
		missing = append(missing, "fullName")
	}
	if p.Age <= 0 {
		missing = append(missing, "age")
	}
	if strings.TrimSpace(p.Gender) == "" {
		missing = append(missing, "gender")
	}
	return validationResult(missing)
}

// ValidateVitals checks the required measurements. Zero counts as missing,
// as it does on the server.
func ValidateVitals(v *Vitals) error {
	if v == nil {
		return &ValidationError{Fields: []string{"vitals"}}
	}
	var missing []string
	if strings.TrimSpace(v.USN) == "" {
		missing = append(missing, "usn")
	}
	if v.Weight <= 0 {
		missing = append(missing, "weight")
	}
	if v.Height <= 0 {
		missing = append(missing, "height")
	}
	if v.BloodPressureSystolic <= 0 {
		missing = append(missing, "bloodPressureSystolic")
	}
	if v.BloodPressureDiastolic <= 0 {
		missing = append(missing, "bloodPressureDiastolic")
	}
	if v.HeartRate <= 0 {
		missing = append(missing, "heartRate")
	}
	if v.Temperature <= 0 {
		missing = append(missing, "temperature")
	}
	return validationResult(missing)
}

func ValidatePrescription(rx *Prescription) error {
	if rx == nil {
		return &ValidationError{Fields: []string{"prescription"}}
	}
	var missing []string
	if strings.TrimSpace(rx.USN) == "" {
		missing = append(missing, "usn")
	}
	if strings.TrimSpace(rx.Diagnosis) == "" {
		missing = append(missing, "diagnosis")
	}
	return validationResult(missing)
}

// ValidateAppointment requires a patient and a time range that does not end
// before it starts.
func ValidateAppointment(a *Appointment) error {
	if a == nil {
		return &ValidationError{Fields: []string{"appointment"}}
	}
	var missing []string
	if strings.TrimSpace(a.USN) == "" {
		missing = append(missing, "usn")
	}
	if a.StartsAt.IsZero() {
		missing = append(missing, "starts_at")
	}
	if a.EndsAt.IsZero() || (!a.StartsAt.IsZero() && a.EndsAt.Before(a.StartsAt)) {
		missing = append(missing, "ends_at")
	}
	return validationResult(missing)
}

func ValidateLabOrder(req *LabOrderRequest) error {
	if req == nil {
		return &ValidationError{Fields: []string{"lab order"}}
	}
	var missing []string
	if strings.TrimSpace(req.USN) == "" {
		missing = append(missing, "usn")
	}
	if strings.TrimSpace(req.TestCode) == "" {
		missing = append(missing, "test_code")
	}
	return validationResult(missing)
}

func validationResult(missing []string) error {
	if len(missing) == 0 {
		return nil
	}
	return &ValidationError{Fields: missing}
}
