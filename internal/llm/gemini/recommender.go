// Package gemini recommends selectors with Gemini models.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/JakeFAU/sitepulse-crawler/internal/crawler"
	"github.com/JakeFAU/sitepulse-crawler/internal/llm"
	"github.com/JakeFAU/sitepulse-crawler/internal/metrics"
)

const (
	// DefaultModel is used when Config.Model is empty.
	DefaultModel = "gemini-2.5-flash"
	// DefaultTimeout bounds one recommendation call.
	DefaultTimeout = 30 * time.Second

	providerName = "gemini"
)

// Config configures the Gemini recommender.
type Config struct {
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
	// BaseURL overrides the API endpoint.
	BaseURL string `mapstructure:"base_url"`
}

// Recommender implements crawler.Recommender on GenerateContent.
type Recommender struct {
	client  *genai.Client
	model   string
	timeout time.Duration
	logger  *zap.Logger
}

var _ crawler.Recommender = (*Recommender)(nil)

// New builds a Recommender.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Recommender, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini: api key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      cfg.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: cfg.BaseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}

	return &Recommender{
		client:  client,
		model:   cfg.Model,
		timeout: cfg.Timeout,
		logger:  logger.Named("gemini"),
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

	config := &genai.GenerateContentConfig{
		Temperature:       genai.Ptr[float32](0),
		SystemInstruction: genai.NewContentFromText(llm.SystemPrompt(objective), genai.RoleUser),
		ResponseMIMEType:  "application/json",
	}

	start := time.Now()
	resp, err := r.client.Models.GenerateContent(ctx, r.model, genai.Text(llm.UserPrompt(description, html)), config)
	metrics.ObserveLLMRequest(providerName, time.Since(start))
	if err != nil {
		return crawler.Recommendation{}, fmt.Errorf("gemini generate: %w", err)
	}

	var reply strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part != nil {
				reply.WriteString(part.Text)
			}
		}
		break
	}

	rec, err := llm.ParseRecommendation(reply.String())
	if err != nil {
		return crawler.Recommendation{}, fmt.Errorf("gemini: %w", err)
	}
	r.logger.Debug("selector recommended",
		zap.String("objective", string(objective)),
		zap.String("selector", rec.Selector),
	)
	return rec, nil
}
