package assessment

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/woundcare/woundcare/internal/platform/telemetry"
)

// GenerateRequest is one multimodal call to the model provider.
type GenerateRequest struct {
	Model       string
	Prompt      string
	Image       []byte
	MIMEType    string
	Temperature float32
}

// GenerateResponse is the provider's answer. Candidates is zero when the
// prompt was blocked, in which case BlockReason names the policy category.
type GenerateResponse struct {
	Candidates   int
	Text         string
	FinishReason string
	BlockReason  string
}

// Generator is the model provider.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
}

// ProviderError is a non-2xx answer from the provider.
type ProviderError struct {
	Code    int
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.Code, e.Message)
}

// GatewayConfig bounds a single Assess call.
type GatewayConfig struct {
	Models      map[Template]string
	Temperature float32
	// Timeout bounds all attempts together, including backoff waits.
	Timeout     time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

const defaultMaxDelay = 8 * time.Second

// Gateway sends prompts to the provider with bounded retry.
type Gateway struct {
	gen     Generator
	cfg     GatewayConfig
	metrics *telemetry.Metrics
	logger  zerolog.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

func NewGateway(gen Generator, cfg GatewayConfig, metrics *telemetry.Metrics, logger zerolog.Logger) *Gateway {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	return &Gateway{
		gen:     gen,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With().Str("component", "gateway").Logger(),
		sleep:   sleepCtx,
		jitter:  rand.Float64,
	}
}

// Model returns the model identifier configured for t.
func (g *Gateway) Model(t Template) string { return g.cfg.Models[t] }

// Assess sends prompt and image with the model configured for t. A
// provider answer is returned as an Outcome; anything that prevented an
// answer is returned as *TransportError. Blocked outcomes are never
// retried.
func (g *Gateway) Assess(ctx context.Context, t Template, prompt string, image []byte, mimeType string) (Outcome, error) {
	model := g.cfg.Models[t]
	if model == "" {
		return Outcome{}, fmt.Errorf("no model configured for template %q", t)
	}
	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	req := GenerateRequest{
		Model:       model,
		Prompt:      prompt,
		Image:       image,
		MIMEType:    mimeType,
		Temperature: g.cfg.Temperature,
	}

	start := time.Now()
	var (
		lastErr error
		made    int
	)
	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		made = attempt
		resp, err := g.gen.Generate(ctx, req)
		if err == nil {
			g.metrics.ObserveGatewayAttempt(string(t), "ok")
			out := toOutcome(resp)
			out.Model = model
			out.Attempts = attempt
			g.metrics.ObserveGatewayOutcome(string(t), out.Kind.String(), time.Since(start))
			if out.Kind == OutcomeBlocked {
				g.logger.Warn().Str("template", string(t)).Str("reason", out.BlockReason).Msg("model blocked the request")
			}
			return out, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			// The overall deadline or the caller cut us off; report that.
			lastErr = fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
			g.metrics.ObserveGatewayAttempt(string(t), "timeout")
			break
		}
		if !IsTransient(err) {
			g.metrics.ObserveGatewayAttempt(string(t), "fatal")
			break
		}
		g.metrics.ObserveGatewayAttempt(string(t), "transient")
		if attempt == g.cfg.MaxAttempts {
			break
		}

		delay := g.backoff(attempt)
		g.logger.Warn().Err(err).
			Str("template", string(t)).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("transient model error, retrying")
		if err := g.sleep(ctx, delay); err != nil {
			lastErr = fmt.Errorf("%w (last error: %v)", err, lastErr)
			break
		}
	}

	g.metrics.ObserveGatewayOutcome(string(t), "transport_failure", time.Since(start))
	return Outcome{}, &TransportError{Attempts: made, Err: lastErr}
}

func toOutcome(resp *GenerateResponse) Outcome {
	if resp == nil || resp.Candidates == 0 {
		reason := "BLOCK_REASON_UNSPECIFIED"
		if resp != nil && resp.BlockReason != "" {
			reason = resp.BlockReason
		}
		return Outcome{Kind: OutcomeBlocked, BlockReason: reason}
	}
	if resp.Text == "" && isSafetyFinish(resp.FinishReason) {
		return Outcome{Kind: OutcomeBlocked, BlockReason: resp.FinishReason}
	}
	return Outcome{Kind: OutcomeSuccess, Text: resp.Text}
}

func isSafetyFinish(reason string) bool {
	switch reason {
	case "SAFETY", "PROHIBITED_CONTENT", "BLOCKLIST", "SPII", "IMAGE_SAFETY", "RECITATION":
		return true
	}
	return false
}

// backoff returns base*2^(attempt-1) with +/-20% jitter, capped at MaxDelay.
func (g *Gateway) backoff(attempt int) time.Duration {
	d := g.cfg.BaseDelay << uint(attempt-1)
	if d <= 0 || d > g.cfg.MaxDelay {
		d = g.cfg.MaxDelay
	}
	factor := 0.8 + 0.4*g.jitter()
	d = time.Duration(float64(d) * factor)
	if d > g.cfg.MaxDelay {
		d = g.cfg.MaxDelay
	}
	return d
}

// IsTransient reports whether err is worth retrying: request timeouts, rate
// limiting, provider 5xx and network failures.
func IsTransient(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Code == http.StatusRequestTimeout ||
			pe.Code == http.StatusTooManyRequests ||
			pe.Code >= http.StatusInternalServerError
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
