package assessment

import "context"

// CaseStore persists full assessments. SaveCase writes the case, analysis,
// plan and tasks as one unit as far as the backend allows.
type CaseStore interface {
	SaveCase(ctx context.Context, rec *CaseRecord) error
	ListByPatient(ctx context.Context, patientID string) ([]*CaseRecord, error)
}

// Column sets for the four assessment tables.
var (
	caseColumns     = []string{"case_id", "patient_id", "image_id", "checklist_json", "reference_date", "created_at"}
	analysisColumns = []string{"analysis_id", "case_id", "model", "stage", "description", "diagnosis", "confidence", "treatment_plan", "raw_response", "created_at"}
	planColumns     = []string{"plan_id", "analysis_id", "plan", "follow_up_days", "status", "created_at"}
	taskColumns     = []string{"task_id", "plan_id", "position", "task", "status", "due_at"}
)
