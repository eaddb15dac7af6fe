package assessment

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/woundcare/woundcare/internal/platform/apierr"
)

func TestAssess_Success(t *testing.T) {
	gen := &fakeGenerator{script: []scripted{success(validChecklistJSON)}}
	gw, delays := newTestGateway(gen, 3)

	out, err := gw.Assess(context.Background(), TemplateFillIn, "prompt", pngImage, "image/png")
	require.NoError(t, err)

	assert.Equal(t, OutcomeSuccess, out.Kind)
	assert.Equal(t, validChecklistJSON, out.Text)
	assert.Equal(t, "gemini-2.5-flash", out.Model)
	assert.Equal(t, 1, out.Attempts)
	assert.Empty(t, *delays)

	req := gen.requests[0]
	assert.Equal(t, "gemini-2.5-flash", req.Model)
	assert.Equal(t, "prompt", req.Prompt)
	assert.Equal(t, "image/png", req.MIMEType)
	assert.Equal(t, float32(0.2), req.Temperature)
}

func TestAssess_ModelPerTemplate(t *testing.T) {
	gen := &fakeGenerator{script: []scripted{success("{}")}}
	gw, _ := newTestGateway(gen, 1)

	_, err := gw.Assess(context.Background(), TemplateAnalyze, "p", pngImage, "image/png")
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.0-flash", gen.requests[0].Model)
}

func TestAssess_BlockedIsNotRetried(t *testing.T) {
	gen := &fakeGenerator{script: []scripted{blocked("SAFETY"), success("{}")}}
	gw, _ := newTestGateway(gen, 3)

	out, err := gw.Assess(context.Background(), TemplateAnalyze, "p", pngImage, "image/png")
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlocked, out.Kind)
	assert.Equal(t, "SAFETY", out.BlockReason)
	assert.Empty(t, out.Text)
	assert.Equal(t, 1, gen.calls())
}

func TestAssess_BlockedWithoutReason(t *testing.T) {
	gen := &fakeGenerator{script: []scripted{{resp: &GenerateResponse{}}}}
	gw, _ := newTestGateway(gen, 1)

	out, err := gw.Assess(context.Background(), TemplateAnalyze, "p", pngImage, "image/png")
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlocked, out.Kind)
	assert.Equal(t, "BLOCK_REASON_UNSPECIFIED", out.BlockReason)
}

func TestAssess_EmptyCandidateStoppedForSafety(t *testing.T) {
	gen := &fakeGenerator{script: []scripted{{resp: &GenerateResponse{Candidates: 1, FinishReason: "SAFETY"}}}}
	gw, _ := newTestGateway(gen, 2)

	out, err := gw.Assess(context.Background(), TemplateAnalyze, "p", pngImage, "image/png")
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlocked, out.Kind)
	assert.Equal(t, "SAFETY", out.BlockReason)
	assert.Equal(t, 1, gen.calls())
}

func TestAssess_RetriesTransientThenSucceeds(t *testing.T) {
	gen := &fakeGenerator{script: []scripted{failure(http.StatusServiceUnavailable), failure(http.StatusTooManyRequests), success("{}")}}
	gw, delays := newTestGateway(gen, 3)

	out, err := gw.Assess(context.Background(), TemplateFillIn, "p", pngImage, "image/png")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, out.Kind)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *delays)
}

func TestAssess_ExhaustedRetries(t *testing.T) {
	gen := &fakeGenerator{script: []scripted{failure(http.StatusBadGateway)}}
	gw, delays := newTestGateway(gen, 3)

	_, err := gw.Assess(context.Background(), TemplateFillIn, "p", pngImage, "image/png")

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 3, te.Attempts)
	assert.Equal(t, 3, gen.calls())
	assert.Len(t, *delays, 2)
	assert.ErrorIs(t, err, apierr.ErrTransport)

	status, code := apierr.Classify(err)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "transport_failure", code)
}

func TestAssess_PermanentErrorNotRetried(t *testing.T) {
	gen := &fakeGenerator{script: []scripted{failure(http.StatusUnauthorized)}}
	gw, _ := newTestGateway(gen, 3)

	_, err := gw.Assess(context.Background(), TemplateFillIn, "p", pngImage, "image/png")

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 1, te.Attempts)
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusUnauthorized, pe.Code)
}

func TestAssess_OverallTimeout(t *testing.T) {
	gen := &fakeGenerator{block: true}
	gw := NewGateway(gen, GatewayConfig{
		Models:      testModels,
		Timeout:     20 * time.Millisecond,
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
	}, nil, zerolog.Nop())

	start := time.Now()
	_, err := gw.Assess(context.Background(), TemplateAnalyze, "p", pngImage, "image/png")

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.ErrorIs(t, err, apierr.ErrTransport)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, gen.calls(), "no retry once the overall deadline has passed")

	status, code := apierr.Classify(err)
	assert.Equal(t, http.StatusGatewayTimeout, status)
	assert.Equal(t, "transport_timeout", code)
}

func TestAssess_UnknownTemplate(t *testing.T) {
	gw, _ := newTestGateway(&fakeGenerator{}, 1)
	_, err := gw.Assess(context.Background(), Template("nope"), "p", nil, "")
	assert.Error(t, err)
}

func TestBackoff(t *testing.T) {
	gw, _ := newTestGateway(&fakeGenerator{}, 5)
	gw.cfg.BaseDelay = 500 * time.Millisecond

	gw.jitter = func() float64 { return 0.5 }
	assert.Equal(t, 500*time.Millisecond, gw.backoff(1))
	assert.Equal(t, 1*time.Second, gw.backoff(2))
	assert.Equal(t, 4*time.Second, gw.backoff(4))
	assert.Equal(t, 8*time.Second, gw.backoff(6), "capped")

	gw.jitter = func() float64 { return 0 }
	assert.Equal(t, 400*time.Millisecond, gw.backoff(1), "-20%")

	gw.jitter = func() float64 { return 1 }
	assert.Equal(t, 600*time.Millisecond, gw.backoff(1), "+20%")
	assert.Equal(t, 8*time.Second, gw.backoff(5), "jitter never exceeds the cap")
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&ProviderError{Code: http.StatusRequestTimeout}, true},
		{&ProviderError{Code: http.StatusTooManyRequests}, true},
		{&ProviderError{Code: http.StatusInternalServerError}, true},
		{&ProviderError{Code: http.StatusServiceUnavailable}, true},
		{&ProviderError{Code: http.StatusBadRequest}, false},
		{&ProviderError{Code: http.StatusForbidden}, false},
		{&net.OpError{Op: "dial", Err: errors.New("connection refused")}, true},
		{context.DeadlineExceeded, true},
		{errors.New("invalid argument"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsTransient(tt.err), "%v", tt.err)
	}
}
