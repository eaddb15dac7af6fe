package main

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/woundcare/woundcare/internal/config"
	"github.com/woundcare/woundcare/internal/domain/assessment"
	"github.com/woundcare/woundcare/internal/platform/blobstore"
	"github.com/woundcare/woundcare/internal/platform/db"
	"github.com/woundcare/woundcare/internal/platform/telemetry"
)

var pngImage = append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0x04}, 32)...)

// stubGenerator answers every request with the same response.
type stubGenerator struct {
	resp  *assessment.GenerateResponse
	calls int
}

func (s *stubGenerator) Generate(context.Context, assessment.GenerateRequest) (*assessment.GenerateResponse, error) {
	s.calls++
	return s.resp, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Env:                "test",
		CORSOrigins:        []string{"*"},
		GeminiFillInModel:  "gemini-2.5-flash",
		GeminiAnalyzeModel: "gemini-2.0-flash",
		GeminiTemperature:  0.2,
		GeminiTimeout:      5 * time.Second,
		GeminiMaxAttempts:  1,
		StorageBackend:     config.BackendCSV,
		DataDir:            t.TempDir(),
		MaxUploadSize:      "10M",
		RequestTimeout:     10 * time.Second,
		RateLimitRPS:       1000,
		RateLimitBurst:     1000,
	}
}

func newTestServer(t *testing.T, gen assessment.Generator) *echo.Echo {
	t.Helper()
	cfg := testConfig(t)
	b, err := openBackend(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("openBackend: %v", err)
	}
	e, err := newServer(cfg, zerolog.Nop(), b, gen, telemetry.New("wound-server-test"))
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	return e
}

func TestHealth(t *testing.T) {
	e := newTestServer(t, &stubGenerator{})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
	if rec.Header().Get(echo.HeaderXRequestID) == "" {
		t.Error("expected a request id header")
	}
}

func TestTestConnection(t *testing.T) {
	e := newTestServer(t, &stubGenerator{})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/test-connection", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["message"] != "CORS is working!" {
		t.Errorf("unexpected message %q", body["message"])
	}
}

func TestDBHealthOnlyWithPostgres(t *testing.T) {
	e := newTestServer(t, &stubGenerator{})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/db", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 on csv backend, got %d", rec.Code)
	}
}

func TestUnknownRouteUsesEnvelope(t *testing.T) {
	e := newTestServer(t, &stubGenerator{})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"code":"not_found"`) {
		t.Errorf("expected error envelope, got %s", rec.Body.String())
	}
}

func TestRegisterThenAnalyze(t *testing.T) {
	result := `{"AI_analysis":{"stage":"STAGE_1","description":"Intact callus. ` + assessment.Disclaimer + `",` +
		`"diagnosis":"Wagner grade 0 pre-ulcerative lesion","confidence":0.6,"treatment_plan":"Offload and monitor."},` +
		`"treatment_plan":{"plan":"Daily foot inspection. ` + assessment.Disclaimer + `","follow_up_days":14,` +
		`"status":"active","tasks":[{"task":"Inspect feet","status":"pending","due_at":"2026-02-01T09:00:00Z"}]}}`
	gen := &stubGenerator{resp: &assessment.GenerateResponse{Candidates: 1, Text: result, FinishReason: "STOP"}}
	e := newTestServer(t, gen)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/patients", strings.NewReader(`{"patient_name":"Ann"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		PatientID string `json:"patient_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	_ = w.WriteField("patient_data", `{"pain_score": 2}`)
	_ = w.WriteField("patient_id", created.PatientID)
	fw, _ := w.CreateFormFile("image", "wound.png")
	_, _ = fw.Write(pngImage)
	_ = w.Close()

	req = httptest.NewRequest(http.MethodPost, "/analyze-wound", &body)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("analyze: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"status":"saved"`) {
		t.Errorf("expected persisted analysis, got %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/patients/"+created.PatientID+"/assessments", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"total":1`) {
		t.Errorf("history: got %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "patient_registrations_total") {
		t.Error("expected registration metrics to be exported")
	}
}

func TestOpenBackend_CSVLayout(t *testing.T) {
	cfg := testConfig(t)
	b, err := openBackend(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	if b.pool != nil {
		t.Error("csv backend must not open a pool")
	}
	if _, ok := b.images.(*blobstore.FileBlobStore); !ok {
		t.Errorf("expected file blob store, got %T", b.images)
	}
	if _, err := b.images.Put(context.Background(), blobstore.BlobMetadata{}, bytes.NewReader(pngImage)); err != nil {
		t.Fatal(err)
	}
	matches, _ := filepath.Glob(filepath.Join(cfg.DataDir, "images", "*.json"))
	if len(matches) != 1 {
		t.Errorf("expected one image sidecar under DATA_DIR/images, got %d", len(matches))
	}
}

func TestGatewayConfig(t *testing.T) {
	cfg := testConfig(t)
	gc := gatewayConfig(cfg)
	if gc.Models[assessment.TemplateFillIn] != "gemini-2.5-flash" || gc.Models[assessment.TemplateAnalyze] != "gemini-2.0-flash" {
		t.Errorf("unexpected models %v", gc.Models)
	}
	if gc.MaxAttempts != 1 || gc.Timeout != 5*time.Second {
		t.Errorf("unexpected retry settings %+v", gc)
	}
}

func TestPromptsShow(t *testing.T) {
	t.Setenv("PROMPT_DIR", "")
	cmd := promptsCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"show", "analyze"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out.String(), assessment.Disclaimer) {
		t.Error("rendered template should carry the disclaimer")
	}
	if !strings.Contains(out.String(), assessment.DataDelimiter) {
		t.Error("analyze template should name the data delimiter")
	}
}

func TestPromptsShow_UnknownTemplate(t *testing.T) {
	cmd := promptsCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"show", "triage"})
	if err := cmd.Execute(); err == nil {
		t.Error("expected an error for an unknown template")
	}
}

func TestPrintMigrationStatus(t *testing.T) {
	applied := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cmd := &cobra.Command{}
	var out bytes.Buffer
	cmd.SetOut(&out)
	printMigrationStatus(cmd, []db.MigrationStatus{
		{Version: 1, Name: "registry", Applied: true, AppliedAt: &applied},
		{Version: 2, Name: "assessments"},
	})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header, rule and 2 rows, got %d lines", len(lines))
	}
	if !strings.Contains(lines[2], "applied") || !strings.Contains(lines[2], "2026-01-02 03:04:05") {
		t.Errorf("unexpected applied row %q", lines[2])
	}
	if !strings.Contains(lines[3], "pending") {
		t.Errorf("unexpected pending row %q", lines[3])
	}
}
