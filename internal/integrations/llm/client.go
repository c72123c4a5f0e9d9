package llm

import (
	"context"
	"fmt"

	"claimbot/internal/domain"

	"go.uber.org/zap"
)

// Provider is one remote model backend. Complete returns raw model text;
// errors should be *ClassifierError where the kind is known.
type Provider interface {
	Name() string
	Model() string
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	Ping(ctx context.Context) error
}

type Client struct {
	provider Provider
	retrier  *Retrier
	clock    Clock
	guidance string
	logger   *zap.Logger
}

type ClientOption func(*Client)

func WithGuidance(text string) ClientOption {
	return func(c *Client) { c.guidance = text }
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

func NewClient(provider Provider, retrier *Retrier, opts ...ClientOption) *Client {
	c := &Client{
		provider: provider,
		retrier:  retrier,
		clock:    retrier.clock,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewFromConfig wires the configured provider with retries recorded in rec.
func NewFromConfig(cfg Config, rec Recorder, logger *zap.Logger) (*Client, error) {
	var provider Provider
	switch cfg.LLMProvider {
	case "anthropic":
		provider = newAnthropicProvider(cfg, logger)
	case "openai":
		provider = newOpenAIProvider(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLMProvider)
	}
	retrier := NewRetrier(RetryPolicyFromConfig(cfg), rec, WithRetryLogger(logger))
	return NewClient(provider, retrier,
		WithGuidance(loadPromptGuidance(cfg.LLMPromptPath, logger)),
		WithClientLogger(logger),
	), nil
}

func (c *Client) ProviderName() string { return c.provider.Name() }
func (c *Client) Model() string        { return c.provider.Model() }

// Classify returns the verdict and the number of attempts made. On failure
// the error is an *UnavailableError.
func (c *Client) Classify(ctx context.Context, claim domain.ClaimRecord) (domain.Verdict, int, error) {
	systemPrompt, userPrompt := buildClaimPrompts(claim, c.guidance)
	verdict, attempts, err := c.retrier.Do(ctx, func(ctx context.Context) (domain.Verdict, error) {
		started := c.clock.Now()
		text, err := c.provider.Complete(ctx, systemPrompt, userPrompt)
		if err != nil {
			return domain.Verdict{}, err
		}
		v, err := parseVerdictResponse(text)
		if err != nil {
			return domain.Verdict{}, err
		}
		v.Duration = c.clock.Now().Sub(started)
		v.Model = c.provider.Model()
		return v, nil
	})
	if err != nil {
		c.logger.Warn("llm classify failed",
			zap.String("provider", c.provider.Name()),
			zap.String("claim_id", claim.ID),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return domain.Verdict{}, attempts, err
	}
	c.logger.Info("llm classify",
		zap.String("provider", c.provider.Name()),
		zap.String("model", verdict.Model),
		zap.String("claim_id", claim.ID),
		zap.String("verdict", string(verdict.Label)),
		zap.Float64("confidence", verdict.Confidence),
		zap.Int("attempts", attempts),
		zap.Duration("remote", verdict.Duration),
	)
	return verdict, attempts, nil
}

// Ping reports whether the remote classifier is currently reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.provider.Ping(ctx)
}
