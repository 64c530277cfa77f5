package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/flashreport/flashreport/internal/config"
	openai "github.com/sashabaranov/go-openai"
)

// Provider submits one prompt to a language model.
type Provider interface {
	Name() string
	Complete(ctx context.Context, prompt string) (Response, error)
}

const (
	defaultOpenAIModel    = openai.GPT4oMini
	defaultAnthropicModel = "claude-sonnet-4-5"
	maxResponseTokens     = 4000
	systemPrompt          = "You are a careful incident analyst. Answer only with JSON."
)

// NewProvider builds the provider selected by cfg. It returns nil, nil when
// analysis is disabled.
func NewProvider(cfg config.AnalysisConfig, logger *slog.Logger) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "none":
		return nil, nil
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required for the openai analysis provider")
		}
		return NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.Model, logger), nil
	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is required for the anthropic analysis provider")
		}
		return NewAnthropicProvider(cfg.AnthropicAPIKey, cfg.Model, logger), nil
	default:
		return nil, fmt.Errorf("unknown analysis provider %q", cfg.Provider)
	}
}

// OpenAIProvider calls the chat completions API.
type OpenAIProvider struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAIProvider creates an OpenAI-backed provider.
func NewOpenAIProvider(apiKey, model string, logger *slog.Logger) *OpenAIProvider {
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIProvider{
		client: openai.NewClient(apiKey),
		model:  model,
		logger: logger,
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

// Complete sends prompt and returns the raw text. Reasoning models reject JSON
// mode and system messages, so for them the system prompt is folded into the
// user message.
func (p *OpenAIProvider) Complete(ctx context.Context, prompt string) (Response, error) {
	request := openai.ChatCompletionRequest{
		Model:               p.model,
		MaxCompletionTokens: maxResponseTokens,
	}
	if isReasoningModel(p.model) {
		request.Messages = []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: systemPrompt + "\n\n" + prompt},
		}
	} else {
		request.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
		request.Messages = []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		}
	}

	start := time.Now()
	resp, err := p.client.CreateChatCompletion(ctx, request)
	p.logger.Info("openai analysis call complete",
		"model", p.model,
		"duration_ms", time.Since(start).Milliseconds(),
		"success", err == nil)
	if err != nil {
		return nil, classifyOpenAIError(err)
	}

	p.logger.Debug("openai token usage",
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens)

	if len(resp.Choices) == 0 {
		return Unparseable{Reason: errors.New("no choices in response")}, nil
	}
	return TextBlob{Text: resp.Choices[0].Message.Content}, nil
}

func isReasoningModel(model string) bool {
	m := strings.ToLower(model)
	return strings.HasPrefix(m, "o1") || strings.HasPrefix(m, "o3") || strings.HasPrefix(m, "o4") || strings.Contains(m, "gpt-5")
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && transientStatus(apiErr.HTTPStatusCode) {
		return NewRetryableError(err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && transientStatus(reqErr.HTTPStatusCode) {
		return NewRetryableError(err)
	}
	return err
}

// AnthropicProvider calls the Messages API.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
	logger *slog.Logger
}

// NewAnthropicProvider creates an Anthropic-backed provider.
func NewAnthropicProvider(apiKey, model string, logger *slog.Logger) *AnthropicProvider {
	if model == "" {
		model = defaultAnthropicModel
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey), option.WithMaxRetries(0)),
		model:  model,
		logger: logger,
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// Complete sends prompt and returns the first text block.
func (p *AnthropicProvider) Complete(ctx context.Context, prompt string) (Response, error) {
	req := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: maxResponseTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	start := time.Now()
	resp, err := p.client.Messages.New(ctx, req)
	p.logger.Info("anthropic analysis call complete",
		"model", p.model,
		"duration_ms", time.Since(start).Milliseconds(),
		"success", err == nil)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) && transientStatus(apiErr.StatusCode) {
			return nil, NewRetryableError(err)
		}
		return nil, err
	}

	p.logger.Debug("anthropic token usage",
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens)

	for _, block := range resp.Content {
		if block.Type == "text" {
			return TextBlob{Text: block.Text}, nil
		}
	}
	return Unparseable{Reason: errors.New("no text content in response")}, nil
}

func transientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
