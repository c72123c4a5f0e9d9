package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"
)

const defaultAnthropicModel = "claude-sonnet-4-5-20250929"

type anthropicProvider struct {
	client      anthropic.Client
	model       string
	maxTokens   int64
	temperature float64
	logger      *zap.Logger
}

func newAnthropicProvider(cfg Config, logger *zap.Logger, opts ...option.RequestOption) *anthropicProvider {
	model := cfg.LLMModel
	if model == "" {
		model = defaultAnthropicModel
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.AnthropicAPIKey),
		option.WithHTTPClient(externalHTTPClient),
		// Retries are owned by Retrier so every attempt is counted.
		option.WithMaxRetries(0),
	}
	reqOpts = append(reqOpts, opts...)
	return &anthropicProvider{
		client:      anthropic.NewClient(reqOpts...),
		model:       model,
		maxTokens:   int64(cfg.LLMMaxTokens),
		temperature: cfg.LLMTemperature,
		logger:      logger,
	}
}

func (p *anthropicProvider) Name() string  { return "anthropic" }
func (p *anthropicProvider) Model() string { return p.model }

func (p *anthropicProvider) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	started := time.Now()
	message, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(p.model),
		MaxTokens:   p.maxTokens,
		Temperature: anthropic.Float(p.temperature),
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt, CacheControl: anthropic.NewCacheControlEphemeralParam()},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return "", anthropicError(err)
	}

	for _, block := range message.Content {
		if block.Type == "text" {
			p.logger.Debug("llm anthropic response",
				zap.Int("size", len(block.Text)),
				zap.Int64("tokens_in", message.Usage.InputTokens),
				zap.Int64("tokens_out", message.Usage.OutputTokens),
				zap.Duration("elapsed", time.Since(started)),
			)
			return block.Text, nil
		}
	}
	return "", invalidVerdict("no text content in Anthropic response")
}

func (p *anthropicProvider) Ping(ctx context.Context) error {
	if _, err := p.client.Models.List(ctx, anthropic.ModelListParams{Limit: anthropic.Int(1)}); err != nil {
		return anthropicError(err)
	}
	return nil
}

func anthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		ce := &ClassifierError{
			Kind:       kindForStatus(apiErr.StatusCode),
			StatusCode: apiErr.StatusCode,
			Err:        fmt.Errorf("Anthropic API error: %w", err),
		}
		if apiErr.Response != nil {
			ce.RetryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"), time.Now())
		}
		return ce
	}
	return &ClassifierError{Kind: transportKind(err), Err: fmt.Errorf("Anthropic API error: %w", err)}
}
