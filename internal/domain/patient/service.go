package patient

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/woundcare/woundcare/internal/platform/apierr"
	"github.com/woundcare/woundcare/internal/platform/blobstore"
	"github.com/woundcare/woundcare/internal/platform/telemetry"
)

// Photo is an optional profile image uploaded with a registration.
type Photo struct {
	FileName string
	Data     []byte
}

type Service struct {
	repo    Repository
	images  blobstore.BlobStore
	metrics *telemetry.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

func NewService(repo Repository, images blobstore.BlobStore, metrics *telemetry.Metrics, logger zerolog.Logger) *Service {
	return &Service{
		repo:    repo,
		images:  images,
		metrics: metrics,
		logger:  logger.With().Str("component", "patient").Logger(),
		now:     time.Now,
	}
}

// Register validates the profile, stores the optional photo and appends the
// patient to the registry with a freshly allocated identifier. Validation
// failures are returned before anything is written.
func (s *Service) Register(ctx context.Context, in Registration, photo *Photo) (*Patient, error) {
	p, err := s.build(in)
	if err != nil {
		s.metrics.ObserveRegistration("invalid")
		return nil, err
	}
	if photo != nil {
		if _, err := blobstore.DetectImageType(photo.Data); err != nil {
			s.metrics.ObserveRegistration("invalid")
			return nil, apierr.Invalid("image", "%v", err)
		}
	}

	var stored *blobstore.BlobMetadata
	if photo != nil && s.images != nil {
		stored, err = s.images.Put(ctx, blobstore.BlobMetadata{
			FileName: photo.FileName,
			Category: blobstore.CategoryPatientPhoto,
		}, bytes.NewReader(photo.Data))
		if err != nil {
			s.metrics.ObserveRegistration("storage_error")
			return nil, err
		}
		p.ImageID = stored.ID
	}

	alloc, err := s.repo.Register(ctx, p, s.now())
	if err != nil {
		if stored != nil {
			if derr := s.images.Delete(ctx, stored.ID); derr != nil {
				s.logger.Warn().Err(derr).Str("image_id", stored.ID).Msg("orphaned patient photo")
			}
		}
		if errors.Is(err, apierr.ErrStorageWrite) {
			s.metrics.ObserveRegistration("storage_error")
		} else {
			s.metrics.ObserveRegistration("error")
		}
		return nil, err
	}

	if alloc.Recovered {
		s.metrics.ObserveIDFallback()
		s.logger.Warn().
			Str("previous_id", alloc.Previous).
			Str("patient_id", alloc.ID).
			Msg("last patient id unparseable, sequence reset")
	}
	s.metrics.ObserveRegistration("created")
	s.logger.Info().Str("patient_id", p.PatientID).Bool("photo", p.ImageID != "").Msg("patient registered")
	return p, nil
}

func (s *Service) build(in Registration) (*Patient, error) {
	name := strings.TrimSpace(string(in.PatientName))
	if name == "" {
		return nil, apierr.Invalid("patient_name", "patient name is required")
	}

	createdAt := s.now().UTC()
	if raw := strings.TrimSpace(string(in.CreatedAt)); raw != "" {
		t, err := parseTimestamp(raw)
		if err != nil {
			return nil, apierr.Invalid("created_at", "must be an RFC 3339 timestamp or YYYY-MM-DD date")
		}
		createdAt = t
	}

	return &Patient{
		PatientName:    name,
		PhoneNo:        string(in.PhoneNo),
		DOB:            string(in.DOB),
		Gender:         string(in.Gender),
		HeightCM:       string(in.HeightCM),
		WeightKG:       string(in.WeightKG),
		Occupation:     string(in.Occupation),
		MedicalHistory: string(in.MedicalHistory),
		Status:         StatusActive,
		CreatedBy:      string(in.CreatedBy),
		CreatedAt:      createdAt,
	}, nil
}

func (s *Service) GetPatient(ctx context.Context, id string) (*Patient, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListPatients(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	return s.repo.List(ctx, limit, offset)
}

// PeekNextID reports the identifier the next registration would receive.
func (s *Service) PeekNextID(ctx context.Context) (string, error) {
	alloc, err := s.repo.PeekNextID(ctx, s.now())
	return alloc.ID, err
}
