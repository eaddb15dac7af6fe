package assessment

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/woundcare/woundcare/internal/platform/apierr"
	"github.com/woundcare/woundcare/internal/platform/blobstore"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the analysis endpoints on root and the history
// endpoint on api.
func (h *Handler) RegisterRoutes(root *echo.Group, api *echo.Group) {
	root.POST("/analyze-fillin", h.AnalyzeFillIn)
	root.POST("/analyze-wound", h.AnalyzeWound)
	api.GET("/patients/:id/assessments", h.ListAssessments)
}

type successResponse struct {
	Status      string             `json:"status"`
	Analysis    json.RawMessage    `json:"analysis"`
	Model       string             `json:"model,omitempty"`
	Persistence *PersistenceStatus `json:"persistence,omitempty"`
}

type blockedResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func (h *Handler) AnalyzeFillIn(c echo.Context) error {
	img, err := readImage(c)
	if err != nil {
		return err
	}
	res, err := h.svc.FillIn(c.Request().Context(), img)
	if err != nil {
		return err
	}
	if res.Kind == OutcomeBlocked {
		return c.JSON(http.StatusOK, blockedResponse{Status: apierr.StatusBlocked, Reason: res.BlockReason})
	}
	return c.JSON(http.StatusOK, successResponse{Status: apierr.StatusSuccess, Analysis: res.Raw, Model: res.Model})
}

func (h *Handler) AnalyzeWound(c echo.Context) error {
	img, err := readImage(c)
	if err != nil {
		return err
	}
	res, err := h.svc.Analyze(c.Request().Context(), AnalyzeInput{
		PatientData:   c.FormValue("patient_data"),
		Image:         img,
		PatientID:     c.FormValue("patient_id"),
		ReferenceDate: c.FormValue("reference_date"),
	})
	if err != nil {
		return err
	}
	if res.Kind == OutcomeBlocked {
		return c.JSON(http.StatusOK, blockedResponse{Status: apierr.StatusBlocked, Reason: res.BlockReason})
	}
	return c.JSON(http.StatusOK, successResponse{
		Status:      apierr.StatusSuccess,
		Analysis:    res.Raw,
		Model:       res.Model,
		Persistence: res.Persistence,
	})
}

func (h *Handler) ListAssessments(c echo.Context) error {
	records, err := h.svc.History(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if records == nil {
		records = []*CaseRecord{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"patient_id":  c.Param("id"),
		"assessments": records,
		"total":       len(records),
	})
}

func readImage(c echo.Context) (Image, error) {
	fh, err := c.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
		return Image{}, apierr.Invalid("image", "image file is required")
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return Image{}, err
	}
	if err != nil {
		return Image{}, apierr.Invalid("image", "unreadable upload: %v", err)
	}
	f, err := fh.Open()
	if err != nil {
		return Image{}, apierr.Invalid("image", "unreadable upload: %v", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, blobstore.MaxFileSize+1))
	if err != nil {
		return Image{}, apierr.Invalid("image", "unreadable upload: %v", err)
	}
	return Image{FileName: fh.Filename, Data: data}, nil
}
