package patient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/woundcare/woundcare/internal/platform/apierr"
	"github.com/woundcare/woundcare/internal/platform/db"
)

type patientRepoPG struct {
	pool *pgxpool.Pool
}

func NewPGRepo(pool *pgxpool.Pool) Repository {
	return &patientRepoPG{pool: pool}
}

const patientCols = `patient_id, patient_name, phone_no, dob, gender, height_cm, weight_kg,
	occupation, medical_history, status, image_id, created_by, created_at`

func (r *patientRepoPG) Register(ctx context.Context, p *Patient, now time.Time) (Allocation, error) {
	var alloc Allocation
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := db.AdvisoryXactLock(ctx, tx, db.LockPatientRegistry); err != nil {
			return err
		}

		var err error
		alloc, err = allocatePG(ctx, tx, now)
		if err != nil {
			return err
		}

		p.PatientID = alloc.ID
		_, err = tx.Exec(ctx, `
			INSERT INTO patients (`+patientCols+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			p.PatientID, p.PatientName, p.PhoneNo, p.DOB, p.Gender, p.HeightCM, p.WeightKG,
			p.Occupation, p.MedicalHistory, p.Status, p.ImageID, p.CreatedBy, p.CreatedAt,
		)
		return err
	})
	if err != nil && !errors.Is(err, apierr.ErrStorageWrite) {
		return alloc, fmt.Errorf("register patient: %w: %w", apierr.ErrStorageWrite, err)
	}
	return alloc, err
}

// allocatePG reads the most recently inserted id. Callers must hold the
// registry advisory lock for the result to be reservable.
func allocatePG(ctx context.Context, tx pgx.Tx, now time.Time) (Allocation, error) {
	var last string
	err := tx.QueryRow(ctx, `SELECT patient_id FROM patients ORDER BY row_seq DESC LIMIT 1`).Scan(&last)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return Allocation{}, fmt.Errorf("read last patient id: %w", err)
	}

	alloc, err := NextID(last, now)
	if err != nil {
		return alloc, err
	}
	return nextFree(alloc, now, func(id string) (bool, error) {
		var exists bool
		err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM patients WHERE patient_id = $1)`, id).Scan(&exists)
		return exists, err
	})
}

func (r *patientRepoPG) GetByID(ctx context.Context, id string) (*Patient, error) {
	p, err := scanPatient(r.pool.QueryRow(ctx, `SELECT `+patientCols+` FROM patients WHERE patient_id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("patient %s: %w", id, apierr.ErrNotFound)
	}
	return p, err
}

func (r *patientRepoPG) List(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM patients`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+patientCols+` FROM patients ORDER BY row_seq LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var patients []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, 0, err
		}
		patients = append(patients, p)
	}
	return patients, total, rows.Err()
}

func (r *patientRepoPG) PeekNextID(ctx context.Context, now time.Time) (Allocation, error) {
	var alloc Allocation
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		alloc, err = allocatePG(ctx, tx, now)
		return err
	})
	return alloc, err
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(
		&p.PatientID, &p.PatientName, &p.PhoneNo, &p.DOB, &p.Gender, &p.HeightCM, &p.WeightKG,
		&p.Occupation, &p.MedicalHistory, &p.Status, &p.ImageID, &p.CreatedBy, &p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
