package assessment

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/woundcare/woundcare/internal/platform/apierr"
	"github.com/woundcare/woundcare/internal/platform/db"
)

type caseStorePG struct {
	pool *pgxpool.Pool
}

func NewPGCaseStore(pool *pgxpool.Pool) CaseStore {
	return &caseStorePG{pool: pool}
}

func (s *caseStorePG) SaveCase(ctx context.Context, rec *CaseRecord) error {
	a := rec.Analysis
	p := a.Result.Plan

	var patientID *string
	if rec.PatientID != "" {
		patientID = &rec.PatientID
	}
	refDate, err := time.Parse("2006-01-02", rec.ReferenceDate)
	if err != nil {
		return fmt.Errorf("save case %s: reference date: %w", rec.CaseID, err)
	}

	err = db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO wound_cases (case_id, patient_id, image_id, checklist_json, reference_date, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			rec.CaseID, patientID, rec.ImageID, string(rec.Checklist), refDate, rec.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert wound case: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO ai_analyses (analysis_id, case_id, model, stage, description, diagnosis,
				confidence, treatment_plan, raw_response, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			a.AnalysisID, rec.CaseID, a.Model, string(a.Result.Analysis.Stage), a.Result.Analysis.Description,
			a.Result.Analysis.Diagnosis, a.Result.Analysis.Confidence, a.Result.Analysis.TreatmentPlan,
			a.RawResponse, a.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert analysis: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO treatment_plans (plan_id, analysis_id, plan, follow_up_days, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			a.Plan.PlanID, a.AnalysisID, p.Plan, p.FollowUpDays, p.Status, a.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert treatment plan: %w", err)
		}

		batch := &pgx.Batch{}
		for i, t := range p.Tasks {
			batch.Queue(`
				INSERT INTO plan_tasks (task_id, plan_id, position, task, status, due_at)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				a.Plan.TaskIDs[i], a.Plan.PlanID, i, t.Task, t.Status, t.DueAt,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert plan tasks: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save case %s: %w: %w", rec.CaseID, apierr.ErrStorageWrite, err)
	}
	return nil
}

func (s *caseStorePG) ListByPatient(ctx context.Context, patientID string) ([]*CaseRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.case_id::text, COALESCE(c.patient_id, ''), c.image_id, c.checklist_json,
		       to_char(c.reference_date, 'YYYY-MM-DD'), c.created_at,
		       a.analysis_id::text, a.model, a.stage, a.description, a.diagnosis,
		       a.confidence::float8, a.treatment_plan, a.raw_response, a.created_at,
		       p.plan_id::text, p.plan, p.follow_up_days, p.status
		FROM wound_cases c
		JOIN ai_analyses a ON a.case_id = c.case_id
		JOIN treatment_plans p ON p.analysis_id = a.analysis_id
		WHERE c.patient_id = $1
		ORDER BY c.created_at`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		out   []*CaseRecord
		plans = make(map[string]*CaseRecord)
	)
	for rows.Next() {
		var (
			rec       CaseRecord
			checklist string
			stage     string
		)
		a := &rec.Analysis
		err := rows.Scan(
			&rec.CaseID, &rec.PatientID, &rec.ImageID, &checklist, &rec.ReferenceDate, &rec.CreatedAt,
			&a.AnalysisID, &a.Model, &stage, &a.Result.Analysis.Description, &a.Result.Analysis.Diagnosis,
			&a.Result.Analysis.Confidence, &a.Result.Analysis.TreatmentPlan, &a.RawResponse, &a.CreatedAt,
			&a.Plan.PlanID, &a.Result.Plan.Plan, &a.Result.Plan.FollowUpDays, &a.Result.Plan.Status,
		)
		if err != nil {
			return nil, err
		}
		rec.Checklist = []byte(checklist)
		a.Result.Analysis.Stage = Stage(stage)
		out = append(out, &rec)
		plans[a.Plan.PlanID] = &rec
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	planIDs := make([]string, 0, len(plans))
	for id := range plans {
		planIDs = append(planIDs, id)
	}
	taskRows, err := s.pool.Query(ctx, `
		SELECT task_id::text, plan_id::text, task, status, due_at
		FROM plan_tasks
		WHERE plan_id::text = ANY($1)
		ORDER BY plan_id, position`, planIDs)
	if err != nil {
		return nil, err
	}
	defer taskRows.Close()

	for taskRows.Next() {
		var (
			taskID, planID string
			t              Task
		)
		if err := taskRows.Scan(&taskID, &planID, &t.Task, &t.Status, &t.DueAt); err != nil {
			return nil, err
		}
		rec, ok := plans[planID]
		if !ok {
			continue
		}
		rec.Analysis.Plan.TaskIDs = append(rec.Analysis.Plan.TaskIDs, taskID)
		rec.Analysis.Result.Plan.Tasks = append(rec.Analysis.Result.Plan.Tasks, t)
	}
	return out, taskRows.Err()
}
