package patient

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/woundcare/woundcare/internal/platform/apierr"
	"github.com/woundcare/woundcare/internal/platform/blobstore"
	"github.com/woundcare/woundcare/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/patients", h.ListPatients)
	api.GET("/patients/:id", h.GetPatient)
	api.POST("/patients", h.CreatePatient)
}

// CreatePatient accepts either a JSON body or a multipart form carrying a
// patient_data JSON field and an optional image file.
func (h *Handler) CreatePatient(c echo.Context) error {
	var (
		in    Registration
		photo *Photo
	)

	ct := c.Request().Header.Get(echo.HeaderContentType)
	if strings.HasPrefix(ct, echo.MIMEApplicationJSON) {
		if err := json.NewDecoder(c.Request().Body).Decode(&in); err != nil {
			return apierr.Invalid("body", "invalid patient JSON: %v", err)
		}
	} else {
		raw := c.FormValue("patient_data")
		if strings.TrimSpace(raw) == "" {
			return apierr.Invalid("patient_data", "patient_data is required")
		}
		if err := json.Unmarshal([]byte(raw), &in); err != nil {
			return apierr.Invalid("patient_data", "invalid patient JSON: %v", err)
		}

		var err error
		photo, err = readOptionalPhoto(c)
		if err != nil {
			return err
		}
	}

	p, err := h.svc.Register(c.Request().Context(), in, photo)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"status":     apierr.StatusSuccess,
		"patient_id": p.PatientID,
		"patient":    p,
	})
}

func readOptionalPhoto(c echo.Context) (*Photo, error) {
	fh, err := c.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
		return nil, nil
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return nil, err
	}
	if err != nil {
		return nil, apierr.Invalid("image", "unreadable upload: %v", err)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, apierr.Invalid("image", "unreadable upload: %v", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, blobstore.MaxFileSize+1))
	if err != nil {
		return nil, apierr.Invalid("image", "unreadable upload: %v", err)
	}
	if len(data) > blobstore.MaxFileSize {
		return nil, apierr.Invalid("image", "%v", blobstore.ErrFileTooLarge)
	}
	return &Photo{FileName: fh.Filename, Data: data}, nil
}

func (h *Handler) GetPatient(c echo.Context) error {
	p, err := h.svc.GetPatient(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListPatients(c echo.Context) error {
	pg := pagination.FromContext(c)
	patients, total, err := h.svc.ListPatients(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(patients, total, pg).WithLinks(c, pg))
}
