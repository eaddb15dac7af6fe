package assessment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// permissiveSafety disables provider content blocking: clinical wound
// photographs routinely trip generic filters.
var permissiveSafety = []*genai.SafetySetting{
	{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockThresholdBlockNone},
	{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockThresholdBlockNone},
	{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockThresholdBlockNone},
	{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockThresholdBlockNone},
}

// GeminiGenerator calls the Gemini API.
type GeminiGenerator struct {
	client *genai.Client
}

func NewGeminiGenerator(ctx context.Context, apiKey string) (*GeminiGenerator, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiGenerator{client: client}, nil
}

func (g *GeminiGenerator) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	parts := []*genai.Part{{Text: req.Prompt}}
	if len(req.Image) > 0 {
		parts = append(parts, &genai.Part{InlineData: &genai.Blob{Data: req.Image, MIMEType: req.MIMEType}})
	}
	temperature := req.Temperature

	resp, err := g.client.Models.GenerateContent(ctx, req.Model,
		[]*genai.Content{{Role: "user", Parts: parts}},
		&genai.GenerateContentConfig{
			Temperature:      &temperature,
			SafetySettings:   permissiveSafety,
			ResponseMIMEType: "application/json",
		})
	if err != nil {
		return nil, translateError(err)
	}
	return fromGenAI(resp), nil
}

func fromGenAI(resp *genai.GenerateContentResponse) *GenerateResponse {
	out := &GenerateResponse{}
	if resp == nil {
		return out
	}
	if resp.PromptFeedback != nil {
		out.BlockReason = string(resp.PromptFeedback.BlockReason)
	}
	out.Candidates = len(resp.Candidates)
	if out.Candidates == 0 || resp.Candidates[0] == nil {
		return out
	}

	first := resp.Candidates[0]
	out.FinishReason = string(first.FinishReason)
	if first.Content != nil {
		var b strings.Builder
		for _, p := range first.Content.Parts {
			if p != nil {
				b.WriteString(p.Text)
			}
		}
		out.Text = b.String()
	}
	return out
}

func translateError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{Code: apiErr.Code, Message: apiErr.Message}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return &ProviderError{Code: apiErrPtr.Code, Message: apiErrPtr.Message}
	}
	return err
}
