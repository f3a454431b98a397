package completion

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/genai"

	"github.com/stupiduntilnot/mctrelay/internal/session"
)

// Gemini sends the conversation as one flattened transcript prompt.
type Gemini struct {
	client   *genai.Client
	settings Settings
	timeout  time.Duration
}

// NewGemini creates a Gemini API provider. baseURL overrides the API root when set.
func NewGemini(ctx context.Context, apiKey, baseURL string, settings Settings, timeout time.Duration) (*Gemini, error) {
	cfg := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: timeout},
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &Gemini{client: client, settings: settings, timeout: timeout}, nil
}

// Complete performs one generateContent request under the provider timeout.
func (p *Gemini) Complete(ctx context.Context, turns []session.Turn) (Result, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(p.settings.Temperature),
	}
	if p.settings.MaxTokens > 0 {
		config.MaxOutputTokens = int32(p.settings.MaxTokens)
	}

	prompt := Flatten(turns)
	log.Debug().
		Str("model", p.settings.Model).
		Int("prompt_chars", len(prompt)).
		Msg("Sending gemini generate request")

	resp, err := p.client.Models.GenerateContent(ctx, p.settings.Model, genai.Text(prompt), config)
	if err != nil {
		return Result{}, wrapGeminiError(err)
	}

	var res Result
	if resp.UsageMetadata != nil {
		res.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		res.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		res.Outcome = OutcomeBlocked
		res.Reason = string(resp.PromptFeedback.BlockReason)
		return res, nil
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		res.Outcome = OutcomeMalformed
		res.Reason = "no candidates in response"
		return res, nil
	}

	candidate := resp.Candidates[0]
	if blockedFinish(candidate.FinishReason) {
		res.Outcome = OutcomeBlocked
		res.Reason = string(candidate.FinishReason)
		return res, nil
	}

	var text strings.Builder
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part != nil && part.Text != "" {
				text.WriteString(part.Text)
			}
		}
	}
	content := strings.TrimSpace(text.String())
	if content == "" {
		res.Outcome = OutcomeMalformed
		res.Reason = "empty candidate text"
		return res, nil
	}

	res.Outcome = OutcomeText
	res.Text = content
	return res, nil
}

func blockedFinish(reason genai.FinishReason) bool {
	switch reason {
	case genai.FinishReasonSafety,
		genai.FinishReasonRecitation,
		genai.FinishReasonBlocklist,
		genai.FinishReasonProhibitedContent,
		genai.FinishReasonSPII:
		return true
	default:
		return false
	}
}

func wrapGeminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code > 0 {
		return wrap(fmt.Errorf("gemini api error: %w", err), apiErr.Code)
	}
	return wrap(fmt.Errorf("gemini request failed: %w", err), 0)
}
