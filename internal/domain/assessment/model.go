package assessment

import (
	"encoding/json"
	"time"
)

// Checklist is the flat enumerated checklist produced by the fill-in
// template from an image alone.
type Checklist struct {
	LocationPrimary string  `json:"location_primary"`
	LocationDetail  string  `json:"location_detail"`
	WoundType       string  `json:"wound_type"`
	Shape           string  `json:"shape"`
	SizeWidthCM     float64 `json:"size_width_cm"`
	SizeLengthCM    float64 `json:"size_length_cm"`
	DepthCategory   string  `json:"depth_category"`
	BedSloughPct    int     `json:"bed_slough_pct"`
	BedNecroticPct  int     `json:"bed_necrotic_pct"`
	EdgeDescription string  `json:"edge_description"`
	PeriwoundStatus string  `json:"periwound_status"`
	DischargeVolume string  `json:"discharge_volume"`
	DischargeType   string  `json:"discharge_type"`
	OdorPresence    string  `json:"odor_presence"`
	PainScore       int     `json:"pain_score"`
	HasInfection    bool    `json:"has_infection"`
	SkinCondition   string  `json:"skin_condition"`
}

// Result is a full clinical assessment.
type Result struct {
	Analysis AIAnalysis    `json:"AI_analysis"`
	Plan     TreatmentPlan `json:"treatment_plan"`
}

type AIAnalysis struct {
	Stage         Stage   `json:"stage"`
	Description   string  `json:"description"`
	Diagnosis     string  `json:"diagnosis"`
	Confidence    float64 `json:"confidence"`
	TreatmentPlan string  `json:"treatment_plan"`
}

type TreatmentPlan struct {
	Plan         string `json:"plan"`
	FollowUpDays int    `json:"follow_up_days"`
	Status       string `json:"status"`
	Tasks        []Task `json:"tasks"`
}

// Task is one nurse-facing action. Order within TreatmentPlan.Tasks is
// significant.
type Task struct {
	Task   string    `json:"task"`
	Status string    `json:"status"`
	DueAt  time.Time `json:"due_at"`
}

// ---------------------------------------------------------------------------
// Persisted records
// ---------------------------------------------------------------------------

// CaseRecord is one persisted full assessment: the submitted case, the
// model's analysis and the derived plan with its tasks.
type CaseRecord struct {
	CaseID        string          `json:"case_id"`
	PatientID     string          `json:"patient_id,omitempty"`
	ImageID       string          `json:"image_id,omitempty"`
	Checklist     json.RawMessage `json:"checklist"`
	ReferenceDate string          `json:"reference_date"`
	CreatedAt     time.Time       `json:"created_at"`

	Analysis AnalysisRecord `json:"analysis"`
}

type AnalysisRecord struct {
	AnalysisID  string     `json:"analysis_id"`
	Model       string     `json:"model"`
	Result      Result     `json:"result"`
	RawResponse string     `json:"-"`
	CreatedAt   time.Time  `json:"created_at"`
	Plan        PlanRecord `json:"plan"`
}

type PlanRecord struct {
	PlanID  string   `json:"plan_id"`
	TaskIDs []string `json:"task_ids"`
}
