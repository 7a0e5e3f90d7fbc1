package carerecords

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

// ErrStorageUnavailable is returned when the local durable store cannot be
// read or written (disk full, permissions, store closed). Callers should keep
// going in-memory and warn the user that durability is not guaranteed.
var ErrStorageUnavailable = errors.New("storage unavailable")

// ErrOffline is returned for reads when the backend is unreachable and no
// cached copy exists.
var ErrOffline = errors.New("backend unreachable and no cached copy")

// APIError is a non-2xx response from the backend.
type APIError struct {
	StatusCode int    `json:"status"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server rejected request: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("server rejected request: HTTP %d: %s", e.StatusCode, e.Message)
}

// ClientError reports whether the server refused the request itself, as
// opposed to being temporarily unable to serve it.
func (e *APIError) ClientError() bool {
	if e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests {
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// TransportError wraps a network-level failure: DNS, refused connection,
// reset, or a request timeout.
type TransportError struct {
	Method string
	Path   string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("request failed: %s %s: %v", e.Method, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a deadline or client timeout.
func (e *TransportError) Timeout() bool {
	var t interface{ Timeout() bool }
	if errors.As(e.Err, &t) {
		return t.Timeout()
	}
	return false
}

// ValidationError is returned before any network or queue work when an
// entity is missing required fields.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "invalid input: " + strings.Join(e.Fields, ", ")
}

// ============================================================================
// Offline queue types
// ============================================================================

// Method is the logical kind of a queued mutation.
type Method string

const (
	MethodCreate Method = "CREATE"
	MethodUpdate Method = "UPDATE"
	MethodDelete Method = "DELETE"
)

// HTTPVerb returns the transport verb a method is replayed with.
func (m Method) HTTPVerb() string {
	switch m {
	case MethodCreate:
		return http.MethodPost
	case MethodUpdate:
		return http.MethodPut
	case MethodDelete:
		return http.MethodDelete
	}
	return ""
}

// MethodFromVerb maps an HTTP verb to a queueable method. Reads are not
// queueable.
func MethodFromVerb(verb string) (Method, bool) {
	switch strings.ToUpper(verb) {
	case http.MethodPost:
		return MethodCreate, true
	case http.MethodPut:
		return MethodUpdate, true
	case http.MethodDelete:
		return MethodDelete, true
	}
	return "", false
}

// PendingChange is one mutation that has not been confirmed by the server.
type PendingChange struct {
	ID         string            `json:"id" yaml:"id"`
	Endpoint   string            `json:"endpoint" yaml:"endpoint"`
	Method     Method            `json:"method" yaml:"method"`
	Headers    map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body       string            `json:"body,omitempty" yaml:"body,omitempty"`
	EnqueuedAt time.Time         `json:"enqueuedAt" yaml:"enqueuedAt"`
	RetryCount int               `json:"retryCount" yaml:"retryCount"`
	LastError  string            `json:"lastError,omitempty" yaml:"lastError,omitempty"`
}

// AbandonedChange describes a change dropped after its final failed attempt.
type AbandonedChange struct {
	ID         string `json:"id"`
	Endpoint   string `json:"endpoint"`
	Method     Method `json:"method"`
	StatusCode int    `json:"status,omitempty"`
	Error      string `json:"error"`
	RetryCount int    `json:"retryCount"`
}

// SyncResult is the outcome of one synchronization pass.
type SyncResult struct {
	Success   int               `json:"success"`
	Failed    int               `json:"failed"`
	Abandoned []AbandonedChange `json:"abandoned,omitempty"`
}

// CachedEntity is the last-known server copy of a record, keyed by a string
// such as "patients" or "vitals?usn=U123".
type CachedEntity struct {
	Key       string          `json:"key"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Response is the outcome of a request issued through a Requester.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// Queued is set when the mutation was stored for later delivery instead
	// of being sent; ChangeID identifies the queued record.
	Queued   bool
	ChangeID string

	// Cached is set when a read was served from the offline mirror.
	Cached bool
}

// OK reports a 2xx status, or a queued mutation.
func (r *Response) OK() bool {
	return r.Queued || (r.StatusCode >= 200 && r.StatusCode < 300)
}

// Decode unmarshals the response body into v.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// ============================================================================
// Entity types
// ============================================================================

// Patient is keyed by its USN (unique serial number).
type Patient struct {
	USN      string `json:"usn" yaml:"usn"`
	FullName string `json:"fullName" yaml:"fullName"`
	Age      int    `json:"age" yaml:"age"`
	Gender   string `json:"gender" yaml:"gender"`
	Phone    string `json:"phone,omitempty" yaml:"phone,omitempty"`
	Address  string `json:"address,omitempty" yaml:"address,omitempty"`
	Email    string `json:"email,omitempty" yaml:"email,omitempty"`
}

// Vitals is one set of measurements for a patient.
type Vitals struct {
	ID                     int64     `json:"id,omitempty"`
	USN                    string    `json:"usn"`
	Weight                 float64   `json:"weight"`
	Height                 float64   `json:"height"`
	BMI                    float64   `json:"bmi,omitempty"`
	BloodPressureSystolic  int       `json:"bloodPressureSystolic"`
	BloodPressureDiastolic int       `json:"bloodPressureDiastolic"`
	HeartRate              int       `json:"heartRate"`
	Temperature            float64   `json:"temperature"`
	RespiratoryRate        *int      `json:"respiratoryRate,omitempty"`
	OxygenSaturation       *int      `json:"oxygenSaturation,omitempty"`
	Notes                  string    `json:"notes,omitempty"`
	RecordedAt             time.Time `json:"recordedAt,omitempty"`
	RecordedBy             string    `json:"recordedBy,omitempty"`
}

// ComputeBMI returns weight(kg) / height(m)^2, or 0 when height is unset.
func (v *Vitals) ComputeBMI() float64 {
	if v.Height <= 0 {
		return 0
	}
	m := v.Height / 100.0
	return v.Weight / (m * m)
}

// Medication is one line of a prescription.
type Medication struct {
	Name         string `json:"name"`
	Dosage       string `json:"dosage"`
	Frequency    string `json:"frequency"`
	Duration     string `json:"duration,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// Prescription links a diagnosis and medications to a patient.
type Prescription struct {
	ID           int64        `json:"id,omitempty"`
	USN          string       `json:"usn"`
	Diagnosis    string       `json:"diagnosis"`
	Medications  []Medication `json:"medications,omitempty"`
	Notes        string       `json:"notes,omitempty"`
	FollowUpDate string       `json:"followUpDate,omitempty"`
	PrescribedAt time.Time    `json:"prescribedAt,omitempty"`
}

// ComposeNotes renders the prescription as the plain-text block stored by the
// records server.
func (p *Prescription) ComposeNotes() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Diagnosis: %s\n\n", p.Diagnosis)
	if len(p.Medications) > 0 {
		b.WriteString("Medications:\n")
		n := 0
		for _, med := range p.Medications {
			if med.Name == "" || med.Dosage == "" || med.Frequency == "" {
				continue
			}
			n++
			fmt.Fprintf(&b, "%d. %s - %s, %s", n, med.Name, med.Dosage, med.Frequency)
			if med.Duration != "" {
				fmt.Fprintf(&b, ", for %s", med.Duration)
			}
			if med.Instructions != "" {
				fmt.Fprintf(&b, " (%s)", med.Instructions)
			}
			b.WriteString("\n")
		}
	}
	if p.Notes != "" {
		fmt.Fprintf(&b, "\nAdditional Notes: %s", p.Notes)
	}
	if p.FollowUpDate != "" {
		fmt.Fprintf(&b, "\nFollow-up Date: %s", p.FollowUpDate)
	}
	return b.String()
}

const (
	AppointmentScheduled = "Scheduled"
	AppointmentCompleted = "Completed"
	AppointmentCancelled = "Cancelled"

	LabOrdered   = "Ordered"
	LabCompleted = "Completed"
)

// Appointment is a calendar slot for a patient. On update only the non-empty
// fields are changed.
type Appointment struct {
	ID        int64     `json:"id,omitempty"`
	USN       string    `json:"usn,omitempty"`
	StartsAt  time.Time `json:"starts_at"`
	EndsAt    time.Time `json:"ends_at"`
	Status    string    `json:"status,omitempty"`
	Title     string    `json:"title,omitempty"`
	Clinician string    `json:"clinician,omitempty"`
	Notes     string    `json:"notes,omitempty"`
}

// LabTest is an orderable test from the server's catalogue.
type LabTest struct {
	ID       int64  `json:"id"`
	Code     string `json:"code"`
	Name     string `json:"name"`
	Specimen string `json:"specimen,omitempty"`
	Unit     string `json:"unit,omitempty"`
	RefRange string `json:"ref_range,omitempty"`
}

// LabOrderRequest orders one test by catalogue code.
type LabOrderRequest struct {
	USN      string `json:"usn"`
	TestCode string `json:"test_code"`
	Notes    string `json:"notes,omitempty"`
}

// LabOrder is one ordered test. The server lists a row per order item, so
// Status and the result fields describe the item.
type LabOrder struct {
	ID          int64     `json:"id"`
	USN         string    `json:"usn"`
	OrderedAt   time.Time `json:"ordered_at"`
	Status      string    `json:"status"`
	Notes       string    `json:"notes,omitempty"`
	ItemID      int64     `json:"item_id"`
	TestCode    string    `json:"code"`
	TestName    string    `json:"name"`
	ResultValue string    `json:"result_value,omitempty"`
	ResultAt    time.Time `json:"result_at"`
}

// LabResult completes an order item.
type LabResult struct {
	Value string `json:"result_value"`
	Notes string `json:"result_notes,omitempty"`
}

// DashboardCounts are the server's headline numbers. "Today" is the
// server's local date.
type DashboardCounts struct {
	Patients          int `json:"patients"`
	AppointmentsToday int `json:"appointments_today"`
	LabsPending       int `json:"labs_pending"`
	VitalsToday       int `json:"vitals_today"`
}

// ============================================================================
// Server row decoding
// ============================================================================

// The records server returns list rows straight from its tables, so reads
// accept the column names (full_name, recorded_at, ...) as well as the
// camelCase fields used for writes.

func (p *Patient) UnmarshalJSON(data []byte) error {
	type plain Patient
	var row struct {
		plain
		FullNameCol string `json:"full_name"`
		Contact     string `json:"contact"`
	}
	if err := json.Unmarshal(data, &row); err != nil {
		return err
	}
	*p = Patient(row.plain)
	if p.FullName == "" {
		p.FullName = row.FullNameCol
	}
	if p.Phone == "" {
		p.Phone = row.Contact
	}
	return nil
}

func (v *Vitals) UnmarshalJSON(data []byte) error {
	type plain Vitals
	var row struct {
		plain
		RecordedAt    string `json:"recordedAt"`
		RecordedAtCol string `json:"recorded_at"`
		RecordedByCol string `json:"recorded_by"`
		SystolicCol   *int   `json:"blood_pressure_systolic"`
		DiastolicCol  *int   `json:"blood_pressure_diastolic"`
		HeartRateCol  *int   `json:"heart_rate"`
		RespRateCol   *int   `json:"respiratory_rate"`
		OxygenSatCol  *int   `json:"oxygen_saturation"`
	}
	if err := json.Unmarshal(data, &row); err != nil {
		return err
	}
	*v = Vitals(row.plain)
	if row.SystolicCol != nil && v.BloodPressureSystolic == 0 {
		v.BloodPressureSystolic = *row.SystolicCol
	}
	if row.DiastolicCol != nil && v.BloodPressureDiastolic == 0 {
		v.BloodPressureDiastolic = *row.DiastolicCol
	}
	if row.HeartRateCol != nil && v.HeartRate == 0 {
		v.HeartRate = *row.HeartRateCol
	}
	if v.RespiratoryRate == nil {
		v.RespiratoryRate = row.RespRateCol
	}
	if v.OxygenSaturation == nil {
		v.OxygenSaturation = row.OxygenSatCol
	}
	if v.RecordedBy == "" {
		v.RecordedBy = row.RecordedByCol
	}
	at, err := parseTimestamp(firstNonEmpty(row.RecordedAt, row.RecordedAtCol))
	if err != nil {
		return err
	}
	v.RecordedAt = at
	return nil
}

func (p *Prescription) UnmarshalJSON(data []byte) error {
	type plain Prescription
	var row struct {
		plain
		PrescribedAt    string `json:"prescribedAt"`
		PrescribedAtCol string `json:"prescribed_at"`
		FollowUpCol     string `json:"follow_up_date"`
	}
	if err := json.Unmarshal(data, &row); err != nil {
		return err
	}
	*p = Prescription(row.plain)
	if p.FollowUpDate == "" {
		p.FollowUpDate = row.FollowUpCol
	}
	at, err := parseTimestamp(firstNonEmpty(row.PrescribedAt, row.PrescribedAtCol))
	if err != nil {
		return err
	}
	p.PrescribedAt = at
	return nil
}

func (a *Appointment) UnmarshalJSON(data []byte) error {
	type plain Appointment
	var row struct {
		plain
		StartsAt string `json:"starts_at"`
		EndsAt   string `json:"ends_at"`
	}
	if err := json.Unmarshal(data, &row); err != nil {
		return err
	}
	*a = Appointment(row.plain)
	var err error
	if a.StartsAt, err = parseTimestamp(row.StartsAt); err != nil {
		return err
	}
	a.EndsAt, err = parseTimestamp(row.EndsAt)
	return err
}

func (l *LabOrder) UnmarshalJSON(data []byte) error {
	type plain LabOrder
	var row struct {
		plain
		OrderedAt string `json:"ordered_at"`
		ResultAt  string `json:"result_at"`
	}
	if err := json.Unmarshal(data, &row); err != nil {
		return err
	}
	*l = LabOrder(row.plain)
	var err error
	if l.OrderedAt, err = parseTimestamp(row.OrderedAt); err != nil {
		return err
	}
	l.ResultAt, err = parseTimestamp(row.ResultAt)
	return err
}

// encoding/json never treats a time.Time as empty, so writes drop an unset
// timestamp here and the server stamps its own.

func (v Vitals) MarshalJSON() ([]byte, error) {
	type plain Vitals
	return json.Marshal(struct {
		plain
		RecordedAt *time.Time `json:"recordedAt,omitempty"`
	}{plain(v), optionalTime(v.RecordedAt)})
}

func (p Prescription) MarshalJSON() ([]byte, error) {
	type plain Prescription
	return json.Marshal(struct {
		plain
		PrescribedAt *time.Time `json:"prescribedAt,omitempty"`
	}{plain(p), optionalTime(p.PrescribedAt)})
}

func (a Appointment) MarshalJSON() ([]byte, error) {
	type plain Appointment
	return json.Marshal(struct {
		plain
		StartsAt *time.Time `json:"starts_at,omitempty"`
		EndsAt   *time.Time `json:"ends_at,omitempty"`
	}{plain(a), optionalTime(a.StartsAt), optionalTime(a.EndsAt)})
}

func (l LabOrder) MarshalJSON() ([]byte, error) {
	type plain LabOrder
	return json.Marshal(struct {
		plain
		OrderedAt *time.Time `json:"ordered_at,omitempty"`
		ResultAt  *time.Time `json:"result_at,omitempty"`
	}{plain(l), optionalTime(l.OrderedAt), optionalTime(l.ResultAt)})
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseTimestamp accepts RFC 3339 and the zone-less ISO timestamps the
// server writes, which are UTC. Empty input is the zero time.
func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
