package patient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/woundcare/woundcare/internal/platform/tabular"
)

const StatusActive = "Active"

// Patient is one registry row. Everything except PatientID, Status and the
// provenance fields is free-form text supplied by the caller.
type Patient struct {
	PatientID      string    `json:"patient_id"`
	PatientName    string    `json:"patient_name"`
	PhoneNo        string    `json:"phone_no"`
	DOB            string    `json:"dob"`
	Gender         string    `json:"gender"`
	HeightCM       string    `json:"height_cm"`
	WeightKG       string    `json:"weight_kg"`
	Occupation     string    `json:"occupation"`
	MedicalHistory string    `json:"medical_history"`
	Status         string    `json:"status"`
	ImageID        string    `json:"image_id,omitempty"`
	CreatedBy      string    `json:"created_by"`
	CreatedAt      time.Time `json:"created_at"`
}

// Columns is the fixed schema of patients.csv.
var Columns = []string{
	"patient_id", "patient_name", "phone_no", "dob", "gender", "height_cm", "weight_kg",
	"occupation", "medical_history", "status", "image_id", "created_by", "created_at",
}

func (p *Patient) toRow() tabular.Row {
	return tabular.Row{
		"patient_id":      p.PatientID,
		"patient_name":    p.PatientName,
		"phone_no":        p.PhoneNo,
		"dob":             p.DOB,
		"gender":          p.Gender,
		"height_cm":       p.HeightCM,
		"weight_kg":       p.WeightKG,
		"occupation":      p.Occupation,
		"medical_history": p.MedicalHistory,
		"status":          p.Status,
		"image_id":        p.ImageID,
		"created_by":      p.CreatedBy,
		"created_at":      p.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func fromRow(r tabular.Row) *Patient {
	p := &Patient{
		PatientID:      r["patient_id"],
		PatientName:    r["patient_name"],
		PhoneNo:        r["phone_no"],
		DOB:            r["dob"],
		Gender:         r["gender"],
		HeightCM:       r["height_cm"],
		WeightKG:       r["weight_kg"],
		Occupation:     r["occupation"],
		MedicalHistory: r["medical_history"],
		Status:         r["status"],
		ImageID:        r["image_id"],
		CreatedBy:      r["created_by"],
	}
	// Rows written by older tooling may carry a non-RFC3339 timestamp.
	if t, err := parseTimestamp(r["created_at"]); err == nil {
		p.CreatedAt = t
	}
	return p
}

// Registration is the caller-supplied profile. Numeric fields are accepted
// either as JSON strings or JSON numbers.
type Registration struct {
	PatientName    Text `json:"patient_name"`
	PhoneNo        Text `json:"phone_no"`
	DOB            Text `json:"dob"`
	Gender         Text `json:"gender"`
	HeightCM       Text `json:"height_cm"`
	WeightKG       Text `json:"weight_kg"`
	Occupation     Text `json:"occupation"`
	MedicalHistory Text `json:"medical_history"`
	CreatedBy      Text `json:"created_by"`
	CreatedAt      Text `json:"created_at"`
}

// Text is a free-form field that tolerates JSON strings, numbers, booleans
// and null.
type Text string

func (t *Text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*t = ""
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Text(s)
	case bytes.Equal(b, []byte("true")), bytes.Equal(b, []byte("false")):
		*t = Text(b)
	default:
		if _, err := strconv.ParseFloat(string(b), 64); err != nil {
			return fmt.Errorf("expected string or number, got %s", b)
		}
		*t = Text(b)
	}
	return nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
