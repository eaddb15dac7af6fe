package assessment

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/woundcare/woundcare/internal/platform/tabular"
)

type caseStoreCSV struct {
	mu       sync.Mutex
	cases    *tabular.Table
	analyses *tabular.Table
	plans    *tabular.Table
	tasks    *tabular.Table
}

// NewCSVCaseStore opens wound_cases.csv, ai_analyses.csv,
// treatment_plans.csv and plan_tasks.csv under dir.
func NewCSVCaseStore(dir string) (CaseStore, error) {
	s := &caseStoreCSV{}
	for _, t := range []struct {
		dst     **tabular.Table
		file    string
		columns []string
	}{
		{&s.cases, "wound_cases.csv", caseColumns},
		{&s.analyses, "ai_analyses.csv", analysisColumns},
		{&s.plans, "treatment_plans.csv", planColumns},
		{&s.tasks, "plan_tasks.csv", taskColumns},
	} {
		tbl, err := tabular.Open(filepath.Join(dir, t.file), t.columns)
		if err != nil {
			return nil, fmt.Errorf("open case store: %w", err)
		}
		*t.dst = tbl
	}
	return s, nil
}

func (s *caseStoreCSV) SaveCase(ctx context.Context, rec *CaseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("save case %s: %w", rec.CaseID, err)
	}

	a := rec.Analysis
	p := a.Result.Plan

	taskRows := make([]tabular.Row, len(p.Tasks))
	for i, t := range p.Tasks {
		taskRows[i] = tabular.Row{
			"task_id":  a.Plan.TaskIDs[i],
			"plan_id":  a.Plan.PlanID,
			"position": strconv.Itoa(i),
			"task":     t.Task,
			"status":   t.Status,
			"due_at":   t.DueAt.UTC().Format(time.RFC3339),
		}
	}

	// Children are persisted before parents. Reads start from wound_cases,
	// so a failure part way leaves at most unreachable child rows.
	steps := []writeStep{
		{s.tasks, taskRows},
		{s.plans, []tabular.Row{{
			"plan_id":        a.Plan.PlanID,
			"analysis_id":    a.AnalysisID,
			"plan":           p.Plan,
			"follow_up_days": strconv.Itoa(p.FollowUpDays),
			"status":         p.Status,
			"created_at":     a.CreatedAt.UTC().Format(time.RFC3339),
		}}},
		{s.analyses, []tabular.Row{{
			"analysis_id":    a.AnalysisID,
			"case_id":        rec.CaseID,
			"model":          a.Model,
			"stage":          string(a.Result.Analysis.Stage),
			"description":    a.Result.Analysis.Description,
			"diagnosis":      a.Result.Analysis.Diagnosis,
			"confidence":     strconv.FormatFloat(a.Result.Analysis.Confidence, 'f', -1, 64),
			"treatment_plan": a.Result.Analysis.TreatmentPlan,
			"raw_response":   a.RawResponse,
			"created_at":     a.CreatedAt.UTC().Format(time.RFC3339),
		}}},
		{s.cases, []tabular.Row{{
			"case_id":        rec.CaseID,
			"patient_id":     rec.PatientID,
			"image_id":       rec.ImageID,
			"checklist_json": string(rec.Checklist),
			"reference_date": rec.ReferenceDate,
			"created_at":     rec.CreatedAt.UTC().Format(time.RFC3339),
		}}},
	}

	for i, step := range steps {
		if err := step.tbl.Append(step.rows...); err != nil {
			revert(steps[:i+1])
			return err
		}
		if err := step.tbl.Persist(); err != nil {
			revert(steps[:i+1])
			return err
		}
	}
	return nil
}

type writeStep struct {
	tbl  *tabular.Table
	rows []tabular.Row
}

// revert drops the unpersisted rows of every step attempted so far.
func revert(steps []writeStep) {
	for _, st := range steps {
		st.tbl.Revert()
	}
}

func (s *caseStoreCSV) ListByPatient(_ context.Context, patientID string) ([]*CaseRecord, error) {
	var out []*CaseRecord
	for _, c := range s.cases.Filter("patient_id", patientID) {
		rec, err := s.assemble(c)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *caseStoreCSV) assemble(c tabular.Row) (*CaseRecord, error) {
	rec := &CaseRecord{
		CaseID:        c["case_id"],
		PatientID:     c["patient_id"],
		ImageID:       c["image_id"],
		Checklist:     []byte(c["checklist_json"]),
		ReferenceDate: c["reference_date"],
		CreatedAt:     parseRFC3339(c["created_at"]),
	}

	a, ok := s.analyses.Find("case_id", rec.CaseID)
	if !ok {
		return nil, fmt.Errorf("case %s has no analysis row", rec.CaseID)
	}
	confidence, err := strconv.ParseFloat(a["confidence"], 64)
	if err != nil {
		return nil, fmt.Errorf("analysis %s: bad confidence %q", a["analysis_id"], a["confidence"])
	}
	rec.Analysis = AnalysisRecord{
		AnalysisID:  a["analysis_id"],
		Model:       a["model"],
		RawResponse: a["raw_response"],
		CreatedAt:   parseRFC3339(a["created_at"]),
		Result: Result{Analysis: AIAnalysis{
			Stage:         Stage(a["stage"]),
			Description:   a["description"],
			Diagnosis:     a["diagnosis"],
			Confidence:    confidence,
			TreatmentPlan: a["treatment_plan"],
		}},
	}

	p, ok := s.plans.Find("analysis_id", rec.Analysis.AnalysisID)
	if !ok {
		return rec, nil
	}
	followUp, _ := strconv.Atoi(p["follow_up_days"])
	rec.Analysis.Plan.PlanID = p["plan_id"]
	rec.Analysis.Result.Plan = TreatmentPlan{
		Plan:         p["plan"],
		FollowUpDays: followUp,
		Status:       p["status"],
	}

	taskRows := s.tasks.Filter("plan_id", p["plan_id"])
	sort.SliceStable(taskRows, func(i, j int) bool {
		pi, _ := strconv.Atoi(taskRows[i]["position"])
		pj, _ := strconv.Atoi(taskRows[j]["position"])
		return pi < pj
	})
	for _, t := range taskRows {
		rec.Analysis.Plan.TaskIDs = append(rec.Analysis.Plan.TaskIDs, t["task_id"])
		rec.Analysis.Result.Plan.Tasks = append(rec.Analysis.Result.Plan.Tasks, Task{
			Task:   t["task"],
			Status: t["status"],
			DueAt:  parseRFC3339(t["due_at"]),
		})
	}
	return rec, nil
}

func parseRFC3339(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}
