package assessment

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/woundcare/woundcare/internal/domain/patient"
	"github.com/woundcare/woundcare/internal/platform/apierr"
)

var pngImage = append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0x03}, 64)...)

const validChecklistJSON = `{"location_primary":"toe","location_detail":"plantar hallux","wound_type":"neuropathic ulcer",` +
	`"shape":"oval","size_width_cm":1.5,"size_length_cm":2,"depth_category":"partial_thickness",` +
	`"bed_slough_pct":20,"bed_necrotic_pct":0,"edge_description":"calloused","periwound_status":"erythematous",` +
	`"discharge_volume":"minimal","discharge_type":"serous","odor_presence":"none","pain_score":3,` +
	`"has_infection":false,"skin_condition":"dry"}`

var validResultJSON = `{"AI_analysis":{"stage":"STAGE_2",` +
	`"description":"Superficial ulcer over the plantar hallux with calloused edges. ` + Disclaimer + `",` +
	`"diagnosis":"Wagner grade 1 neuropathic diabetic foot ulcer","confidence":0.7,` +
	`"treatment_plan":"Offloading, sharp debridement of callus, moist dressing."},` +
	`"treatment_plan":{"plan":"Offload the forefoot and change the dressing daily. ` + Disclaimer + `",` +
	`"follow_up_days":7,"status":"active","tasks":[` +
	`{"task":"Fit offloading shoe","status":"pending","due_at":"2026-01-14T09:00:00Z"},` +
	`{"task":"Change foam dressing","status":"pending","due_at":"2026-01-15T09:00:00Z"},` +
	`{"task":"Wound review","status":"pending","due_at":"2026-01-21T09:00:00Z"}]}}`

// mutateJSON decodes doc, applies fn and re-encodes it.
func mutateJSON(t *testing.T, doc string, fn func(m map[string]interface{})) string {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(doc), &m))
	fn(m)
	out, err := json.Marshal(m)
	require.NoError(t, err)
	return string(out)
}

// -- Fake Generator --

type scripted struct {
	resp *GenerateResponse
	err  error
}

type fakeGenerator struct {
	mu       sync.Mutex
	script   []scripted
	requests []GenerateRequest
	// block makes Generate wait for ctx cancellation.
	block bool
}

func (f *fakeGenerator) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	n := len(f.requests)
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	step := f.script[len(f.script)-1]
	if n <= len(f.script) {
		step = f.script[n-1]
	}
	return step.resp, step.err
}

func (f *fakeGenerator) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func success(text string) scripted {
	return scripted{resp: &GenerateResponse{Candidates: 1, Text: text, FinishReason: "STOP"}}
}

func blocked(reason string) scripted {
	return scripted{resp: &GenerateResponse{BlockReason: reason}}
}

func failure(code int) scripted {
	return scripted{err: &ProviderError{Code: code, Message: "upstream"}}
}

var testModels = map[Template]string{
	TemplateFillIn:  "gemini-2.5-flash",
	TemplateAnalyze: "gemini-2.0-flash",
}

func newTestGateway(gen Generator, attempts int) (*Gateway, *[]time.Duration) {
	gw := NewGateway(gen, GatewayConfig{
		Models:      testModels,
		Temperature: 0.2,
		Timeout:     5 * time.Second,
		MaxAttempts: attempts,
		BaseDelay:   100 * time.Millisecond,
	}, nil, zerolog.Nop())

	var delays []time.Duration
	gw.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	gw.jitter = func() float64 { return 0.5 }
	return gw, &delays
}

// -- Fake Patient Lookup --

type fakePatients map[string]*patient.Patient

func (f fakePatients) GetPatient(_ context.Context, id string) (*patient.Patient, error) {
	p, ok := f[id]
	if !ok {
		return nil, apierr.ErrNotFound
	}
	return p, nil
}

// -- Failing Case Store --

type failingStore struct{ saves int }

func (f *failingStore) SaveCase(context.Context, *CaseRecord) error {
	f.saves++
	return apierr.ErrStorageWrite
}

func (f *failingStore) ListByPatient(context.Context, string) ([]*CaseRecord, error) {
	return nil, nil
}

var testNow = time.Date(2026, time.January, 14, 8, 15, 0, 0, time.UTC)
