package completion

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"

	"github.com/stupiduntilnot/mctrelay/internal/session"
)

// DefaultOpenRouterBaseURL is the OpenAI-compatible OpenRouter API root.
const DefaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"

// OpenRouter sends the conversation as a structured role/content list to an
// OpenAI-compatible chat-completions endpoint.
type OpenRouter struct {
	client   *openai.Client
	settings Settings
	timeout  time.Duration
}

// NewOpenRouter creates a provider for baseURL. An empty baseURL selects OpenRouter.
func NewOpenRouter(apiKey, baseURL string, settings Settings, timeout time.Duration) *OpenRouter {
	if baseURL == "" {
		baseURL = DefaultOpenRouterBaseURL
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = strings.TrimRight(baseURL, "/")
	cfg.HTTPClient = &http.Client{Timeout: timeout}

	return &OpenRouter{
		client:   openai.NewClientWithConfig(cfg),
		settings: settings,
		timeout:  timeout,
	}
}

// Complete performs one chat-completion request under the provider timeout.
func (p *OpenRouter) Complete(ctx context.Context, turns []session.Turn) (Result, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	req := openai.ChatCompletionRequest{
		Model:       p.settings.Model,
		Messages:    toChatMessages(turns),
		MaxTokens:   p.settings.MaxTokens,
		Temperature: p.settings.Temperature,
	}

	log.Debug().
		Str("model", req.Model).
		Int("messages", len(req.Messages)).
		Msg("Sending chat completion request")

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return Result{}, wrapOpenAIError(err)
	}

	res := Result{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	if len(resp.Choices) == 0 {
		res.Outcome = OutcomeMalformed
		res.Reason = "no choices in response"
		return res, nil
	}

	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonContentFilter {
		res.Outcome = OutcomeBlocked
		res.Reason = string(choice.FinishReason)
		return res, nil
	}

	content := strings.TrimSpace(choice.Message.Content)
	if content == "" {
		res.Outcome = OutcomeMalformed
		res.Reason = "empty message content"
		return res, nil
	}

	res.Outcome = OutcomeText
	res.Text = content
	return res, nil
}

func toChatMessages(turns []session.Turn) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(turns))
	for _, turn := range turns {
		role := openai.ChatMessageRoleUser
		switch turn.Role {
		case session.RoleSystem:
			role = openai.ChatMessageRoleSystem
		case session.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: turn.Text})
	}
	return messages
}

func wrapOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
		return wrap(fmt.Errorf("openrouter api error: %w", err), apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		return wrap(fmt.Errorf("openrouter request error: %w", err), reqErr.HTTPStatusCode)
	}
	return wrap(fmt.Errorf("openrouter request failed: %w", err), 0)
}
