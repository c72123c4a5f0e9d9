package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

const (
	defaultOpenAIModel   = "gpt-4o-mini"
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	maxErrorBodyBytes    = 2048
)

// openAIProvider speaks the chat completions protocol, which most hosted
// model gateways also expose.
type openAIProvider struct {
	baseURL     string
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	httpClient  *http.Client
	logger      *zap.Logger
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature"`
	TopP        float64         `json:"top_p,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func newOpenAIProvider(cfg Config, logger *zap.Logger) *openAIProvider {
	model := cfg.LLMModel
	if model == "" {
		model = defaultOpenAIModel
	}
	baseURL := strings.TrimRight(cfg.OpenAIBaseURL, "/")
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &openAIProvider{
		baseURL:     baseURL,
		apiKey:      cfg.OpenAIAPIKey,
		model:       model,
		maxTokens:   cfg.LLMMaxTokens,
		temperature: cfg.LLMTemperature,
		httpClient:  externalHTTPClient,
		logger:      logger,
	}
}

func (p *openAIProvider) Name() string  { return "openai" }
func (p *openAIProvider) Model() string { return p.model }

func (p *openAIProvider) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	reqBody := openAIRequest{
		Model: p.model,
		Messages: []openAIMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
		TopP:        0.9,
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", &ClassifierError{Kind: KindBadRequest, Err: fmt.Errorf("marshaling request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return "", &ClassifierError{Kind: KindBadRequest, Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", &ClassifierError{Kind: transportKind(err), Err: fmt.Errorf("OpenAI API error: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return "", httpError(resp, string(detail))
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &ClassifierError{Kind: transportKind(err), Err: fmt.Errorf("reading response: %w", err)}
	}

	var openAIResp openAIResponse
	if err := json.Unmarshal(respBody, &openAIResp); err != nil {
		return "", invalidVerdict("parsing OpenAI response: %v", err)
	}
	if openAIResp.Error != nil {
		return "", &ClassifierError{Kind: KindUnexpected, Err: fmt.Errorf("OpenAI API error: %s", openAIResp.Error.Message)}
	}
	if len(openAIResp.Choices) == 0 {
		return "", invalidVerdict("no choices in OpenAI response")
	}

	fields := []zap.Field{zap.Int("size", len(openAIResp.Choices[0].Message.Content))}
	if openAIResp.Usage != nil {
		fields = append(fields,
			zap.Int64("tokens_in", openAIResp.Usage.PromptTokens),
			zap.Int64("tokens_out", openAIResp.Usage.CompletionTokens),
		)
	}
	p.logger.Debug("llm openai response", fields...)
	return openAIResp.Choices[0].Message.Content, nil
}

func (p *openAIProvider) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return &ClassifierError{Kind: KindBadRequest, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return &ClassifierError{Kind: transportKind(err), Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return httpError(resp, string(detail))
	}
	return nil
}
