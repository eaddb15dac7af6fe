package assessment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/woundcare/woundcare/internal/domain/patient"
	"github.com/woundcare/woundcare/internal/platform/apierr"
	"github.com/woundcare/woundcare/internal/platform/blobstore"
)

// rawLogLimit truncates offending model output in logs.
const rawLogLimit = 4 << 10

// PatientLookup resolves registered patients.
type PatientLookup interface {
	GetPatient(ctx context.Context, id string) (*patient.Patient, error)
}

// Image is an uploaded wound photograph.
type Image struct {
	FileName string
	Data     []byte
}

// AnalyzeInput is one full assessment request.
type AnalyzeInput struct {
	// PatientData is the caller's structured payload as JSON text. It is
	// passed to the model verbatim.
	PatientData   string
	Image         Image
	PatientID     string
	ReferenceDate string
}

// PersistenceStatus reports whether a successful analysis was stored.
type PersistenceStatus struct {
	Status string `json:"status"`
	CaseID string `json:"case_id,omitempty"`
	Error  string `json:"error,omitempty"`
}

const (
	PersistenceSaved  = "saved"
	PersistenceFailed = "failed"
)

// FillInResult is the outcome of a checklist extraction.
type FillInResult struct {
	Kind        OutcomeKind
	Checklist   *Checklist
	Raw         json.RawMessage
	BlockReason string
	Model       string
}

// AnalyzeResult is the outcome of a full assessment.
type AnalyzeResult struct {
	Kind        OutcomeKind
	Result      *Result
	Raw         json.RawMessage
	BlockReason string
	Model       string
	Persistence *PersistenceStatus
}

type Service struct {
	composer   *Composer
	gateway    *Gateway
	normalizer *Normalizer
	store      CaseStore
	images     blobstore.BlobStore
	patients   PatientLookup
	logger     zerolog.Logger
	now        func() time.Time
}

func NewService(composer *Composer, gateway *Gateway, normalizer *Normalizer, store CaseStore,
	images blobstore.BlobStore, patients PatientLookup, logger zerolog.Logger) *Service {
	return &Service{
		composer:   composer,
		gateway:    gateway,
		normalizer: normalizer,
		store:      store,
		images:     images,
		patients:   patients,
		logger:     logger.With().Str("component", "assessment").Logger(),
		now:        time.Now,
	}
}

// FillIn extracts the enumerated checklist from an image alone.
func (s *Service) FillIn(ctx context.Context, img Image) (*FillInResult, error) {
	mime, err := validateImage(img)
	if err != nil {
		return nil, err
	}
	prompt, err := s.composer.Compose(TemplateFillIn, "", nil)
	if err != nil {
		return nil, err
	}

	out, err := s.gateway.Assess(ctx, TemplateFillIn, prompt, img.Data, mime)
	if err != nil {
		return nil, err
	}
	res := &FillInResult{Kind: out.Kind, Model: out.Model, BlockReason: out.BlockReason}
	if out.Kind == OutcomeBlocked {
		return res, nil
	}

	checklist, raw, err := s.normalizer.Checklist(out.Text)
	if err != nil {
		s.logParseError(TemplateFillIn, out, err)
		return nil, err
	}
	res.Checklist, res.Raw = checklist, raw
	return res, nil
}

// Analyze runs a full assessment and persists a successful result. A
// persistence failure does not discard the analysis; it is reported in
// AnalyzeResult.Persistence.
func (s *Service) Analyze(ctx context.Context, in AnalyzeInput) (*AnalyzeResult, error) {
	refDate, err := s.validateAnalyze(ctx, in)
	if err != nil {
		return nil, err
	}
	mime, err := validateImage(in.Image)
	if err != nil {
		return nil, err
	}

	prompt, err := s.composer.Compose(TemplateAnalyze, in.PatientData, &refDate)
	if err != nil {
		return nil, err
	}
	out, err := s.gateway.Assess(ctx, TemplateAnalyze, prompt, in.Image.Data, mime)
	if err != nil {
		return nil, err
	}
	res := &AnalyzeResult{Kind: out.Kind, Model: out.Model, BlockReason: out.BlockReason}
	if out.Kind == OutcomeBlocked {
		return res, nil
	}

	result, raw, err := s.normalizer.Result(out.Text)
	if err != nil {
		s.logParseError(TemplateAnalyze, out, err)
		return nil, err
	}
	res.Result, res.Raw = result, raw
	res.Persistence = s.persist(ctx, in, refDate, out, result)
	return res, nil
}

func (s *Service) validateAnalyze(ctx context.Context, in AnalyzeInput) (time.Time, error) {
	payload := strings.TrimSpace(in.PatientData)
	if payload == "" {
		return time.Time{}, apierr.Invalid("patient_data", "patient_data is required")
	}
	if !json.Valid([]byte(payload)) {
		return time.Time{}, apierr.Invalid("patient_data", "patient_data must be JSON text")
	}

	refDate := s.now().UTC().Truncate(24 * time.Hour)
	if in.ReferenceDate != "" {
		t, err := time.Parse("2006-01-02", in.ReferenceDate)
		if err != nil {
			return time.Time{}, apierr.Invalid("reference_date", "must be YYYY-MM-DD")
		}
		refDate = t
	}

	if in.PatientID != "" {
		if _, err := s.patients.GetPatient(ctx, in.PatientID); err != nil {
			if errors.Is(err, apierr.ErrNotFound) {
				return time.Time{}, apierr.Invalid("patient_id", "unknown patient %s", in.PatientID)
			}
			return time.Time{}, err
		}
	}
	return refDate, nil
}

func (s *Service) persist(ctx context.Context, in AnalyzeInput, refDate time.Time, out Outcome, result *Result) *PersistenceStatus {
	now := s.now().UTC()
	rec := &CaseRecord{
		CaseID:        uuid.NewString(),
		PatientID:     in.PatientID,
		Checklist:     json.RawMessage(strings.TrimSpace(in.PatientData)),
		ReferenceDate: refDate.Format("2006-01-02"),
		CreatedAt:     now,
		Analysis: AnalysisRecord{
			AnalysisID:  uuid.NewString(),
			Model:       out.Model,
			Result:      *result,
			RawResponse: out.Text,
			CreatedAt:   now,
			Plan:        PlanRecord{PlanID: uuid.NewString()},
		},
	}
	for range result.Plan.Tasks {
		rec.Analysis.Plan.TaskIDs = append(rec.Analysis.Plan.TaskIDs, uuid.NewString())
	}

	fail := func(err error) *PersistenceStatus {
		s.logger.Error().Err(err).Str("case_id", rec.CaseID).Msg("analysis succeeded but was not persisted")
		return &PersistenceStatus{Status: PersistenceFailed, Error: err.Error()}
	}

	if s.images != nil {
		meta, err := s.images.Put(ctx, blobstore.BlobMetadata{
			FileName:  in.Image.FileName,
			PatientID: in.PatientID,
			Category:  blobstore.CategoryWoundImage,
		}, bytes.NewReader(in.Image.Data))
		if err != nil {
			return fail(fmt.Errorf("store wound image: %w", err))
		}
		rec.ImageID = meta.ID
	}

	if err := s.store.SaveCase(ctx, rec); err != nil {
		if rec.ImageID != "" {
			if derr := s.images.Delete(ctx, rec.ImageID); derr != nil {
				s.logger.Warn().Err(derr).Str("image_id", rec.ImageID).Msg("orphaned wound image")
			}
		}
		return fail(err)
	}
	s.logger.Info().
		Str("case_id", rec.CaseID).
		Str("patient_id", rec.PatientID).
		Str("stage", string(result.Analysis.Stage)).
		Float64("confidence", result.Analysis.Confidence).
		Msg("assessment persisted")
	return &PersistenceStatus{Status: PersistenceSaved, CaseID: rec.CaseID}
}

// History returns the persisted assessments of a registered patient.
func (s *Service) History(ctx context.Context, patientID string) ([]*CaseRecord, error) {
	if _, err := s.patients.GetPatient(ctx, patientID); err != nil {
		return nil, err
	}
	return s.store.ListByPatient(ctx, patientID)
}

func (s *Service) logParseError(t Template, out Outcome, err error) {
	raw := out.Text
	if len(raw) > rawLogLimit {
		raw = raw[:rawLogLimit]
	}
	s.logger.Error().Err(err).
		Str("template", string(t)).
		Str("model", out.Model).
		Str("raw", raw).
		Msg("model response violates the output contract")
}

func validateImage(img Image) (string, error) {
	if len(img.Data) == 0 {
		return "", apierr.Invalid("image", "image file is required")
	}
	if len(img.Data) > blobstore.MaxFileSize {
		return "", apierr.Invalid("image", "%v", blobstore.ErrFileTooLarge)
	}
	mime, err := blobstore.DetectImageType(img.Data)
	if err != nil {
		return "", apierr.Invalid("image", "%v", err)
	}
	return mime, nil
}
