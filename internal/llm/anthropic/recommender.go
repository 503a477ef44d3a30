// Package anthropic recommends selectors with Claude models.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitepulse-crawler/internal/crawler"
	"github.com/JakeFAU/sitepulse-crawler/internal/llm"
	"github.com/JakeFAU/sitepulse-crawler/internal/metrics"
)

const (
	// DefaultModel is used when Config.Model is empty.
	DefaultModel = "claude-sonnet-4-20250514"
	// DefaultMaxTokens bounds the reply; a selector and a reason fit easily.
	DefaultMaxTokens = 512
	// DefaultTimeout bounds one recommendation call.
	DefaultTimeout = 30 * time.Second

	providerName = "anthropic"
)

// Config configures the Claude recommender.
type Config struct {
	APIKey    string        `mapstructure:"api_key"`
	Model     string        `mapstructure:"model"`
	MaxTokens int64         `mapstructure:"max_tokens"`
	Timeout   time.Duration `mapstructure:"timeout"`
	// BaseURL overrides the API endpoint.
	BaseURL string `mapstructure:"base_url"`
}

// Recommender implements crawler.Recommender on the Messages API.
type Recommender struct {
	client  anthropic.Client
	model   string
	tokens  int64
	timeout time.Duration
	logger  *zap.Logger
}

var _ crawler.Recommender = (*Recommender)(nil)

// New builds a Recommender.
func New(cfg Config, logger *zap.Logger) (*Recommender, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Recommender{
		client:  anthropic.NewClient(opts...),
		model:   cfg.Model,
		tokens:  cfg.MaxTokens,
		timeout: cfg.Timeout,
		logger:  logger.Named("anthropic"),
	}, nil
}

// RecommendSelector asks the model for a selector matching description.
func (r *Recommender) RecommendSelector(
	ctx context.Context,
	html, description string,
	objective crawler.Objective,
) (crawler.Recommendation, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	resp, err := r.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(r.model),
		MaxTokens:   r.tokens,
		Temperature: anthropic.Float(0),
		System:      []anthropic.TextBlockParam{{Text: llm.SystemPrompt(objective)}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(llm.UserPrompt(description, html))),
		},
	})
	metrics.ObserveLLMRequest(providerName, time.Since(start))
	if err != nil {
		return crawler.Recommendation{}, fmt.Errorf("anthropic messages: %w", err)
	}

	var reply strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			reply.WriteString(block.Text)
		}
	}

	rec, err := llm.ParseRecommendation(reply.String())
	if err != nil {
		return crawler.Recommendation{}, fmt.Errorf("anthropic: %w", err)
	}
	r.logger.Debug("selector recommended",
		zap.String("objective", string(objective)),
		zap.String("selector", rec.Selector),
	)
	return rec, nil
}
