package assessment

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/woundcare/woundcare/internal/platform/apierr"
)

func newTestServer(t *testing.T, script ...scripted) (*echo.Echo, *serviceFixture) {
	t.Helper()
	f := newServiceFixture(t, script...)
	e := echo.New()
	e.HTTPErrorHandler = apierr.HTTPErrorHandler(zerolog.Nop())
	NewHandler(f.svc).RegisterRoutes(e.Group(""), e.Group("/api/v1"))
	return e, f
}

func uploadRequest(t *testing.T, path string, fields map[string]string, image []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if image != nil {
		fw, err := w.CreateFormFile("image", "wound.png")
		require.NoError(t, err)
		_, err = fw.Write(image)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	return req
}

func woundFields() map[string]string {
	return map[string]string{
		"patient_data": `{"pain_score": 3}`,
		"patient_id":   "PT-2601-00001",
	}
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) apierr.Envelope {
	t.Helper()
	var env apierr.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env
}

func TestAnalyzeWound_Success(t *testing.T) {
	e, _ := newTestServer(t, success("```json\n"+validResultJSON+"\n```"))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, uploadRequest(t, "/analyze-wound", woundFields(), pngImage))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Status      string            `json:"status"`
		Analysis    Result            `json:"analysis"`
		Model       string            `json:"model"`
		Persistence PersistenceStatus `json:"persistence"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, Stage2, resp.Analysis.Analysis.Stage)
	assert.Len(t, resp.Analysis.Plan.Tasks, 3)
	assert.Equal(t, "gemini-2.0-flash", resp.Model)
	assert.Equal(t, PersistenceSaved, resp.Persistence.Status)

	// Assessment history is visible through the API.
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/patients/PT-2601-00001/assessments", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var history struct {
		PatientID   string        `json:"patient_id"`
		Total       int           `json:"total"`
		Assessments []*CaseRecord `json:"assessments"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	assert.Equal(t, 1, history.Total)
	assert.Equal(t, resp.Persistence.CaseID, history.Assessments[0].CaseID)
}

func TestAnalyzeWound_Blocked(t *testing.T) {
	e, f := newTestServer(t, blocked("SAFETY"))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, uploadRequest(t, "/analyze-wound", woundFields(), pngImage))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"blocked","reason":"SAFETY"}`, rec.Body.String())
	assert.Equal(t, 1, f.gen.calls())
}

func TestAnalyzeWound_TransportFailure(t *testing.T) {
	e, _ := newTestServer(t, failure(http.StatusInternalServerError))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, uploadRequest(t, "/analyze-wound", woundFields(), pngImage))

	require.Equal(t, http.StatusBadGateway, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, "error", env.Status)
	assert.Equal(t, "transport_failure", env.Error.Code)
}

func TestAnalyzeWound_ParseFailure(t *testing.T) {
	e, _ := newTestServer(t, success("I cannot produce JSON for this image."))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, uploadRequest(t, "/analyze-wound", woundFields(), pngImage))

	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "parse_error", decodeEnvelope(t, rec).Error.Code)
}

func TestAnalyzeWound_MissingImage(t *testing.T) {
	e, f := newTestServer(t, success(validResultJSON))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, uploadRequest(t, "/analyze-wound", woundFields(), nil))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, "validation_error", env.Error.Code)
	assert.Equal(t, "image", env.Error.Field)
	assert.Zero(t, f.gen.calls())
}

func TestAnalyzeWound_MissingPatientData(t *testing.T) {
	e, _ := newTestServer(t, success(validResultJSON))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, uploadRequest(t, "/analyze-wound", map[string]string{}, pngImage))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "patient_data", decodeEnvelope(t, rec).Error.Field)
}

func TestAnalyzeFillIn_Success(t *testing.T) {
	e, _ := newTestServer(t, success(validChecklistJSON))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, uploadRequest(t, "/analyze-fillin", nil, pngImage))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Status   string          `json:"status"`
		Analysis json.RawMessage `json:"analysis"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp.Status)
	assert.JSONEq(t, validChecklistJSON, string(resp.Analysis))
	assert.NotContains(t, rec.Body.String(), "persistence")
}

func TestListAssessments_UnknownPatient(t *testing.T) {
	e, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/patients/PT-2601-00404/assessments", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListAssessments_Empty(t *testing.T) {
	e, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/patients/PT-2601-00001/assessments", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"patient_id":"PT-2601-00001","assessments":[],"total":0}`, rec.Body.String())
}
