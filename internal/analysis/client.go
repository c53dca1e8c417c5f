// Package analysis talks to the OpenAI API to turn reel audio, frames and
// captions into candidate place names.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"omnimap/internal/httpclient"
	"omnimap/internal/metrics"
)

// ErrNotConfigured is returned when no API key is set.
var ErrNotConfigured = errors.New("analysis: no API key configured")

type Config struct {
	APIKey          string
	APIBase         string // default https://api.openai.com/v1
	Model           string // chat/vision model, default gpt-4o-mini
	TranscribeModel string // default gpt-4o-transcribe
	MaxVisionFrames int    // default 6
	Client          *http.Client
	Logger          *slog.Logger
}

// Client wraps the OpenAI endpoints used by the pipeline.
type Client struct {
	apiKey          string
	apiBase         string
	model           string
	transcribeModel string
	maxFrames       int
	client          *http.Client
	logger          *slog.Logger
}

func New(cfg Config) *Client {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.TranscribeModel == "" {
		cfg.TranscribeModel = "gpt-4o-transcribe"
	}
	if cfg.MaxVisionFrames <= 0 {
		cfg.MaxVisionFrames = 6
	}
	if cfg.Client == nil {
		cfg.Client = httpclient.New(120 * time.Second)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		apiKey:          cfg.APIKey,
		apiBase:         cfg.APIBase,
		model:           cfg.Model,
		transcribeModel: cfg.TranscribeModel,
		maxFrames:       cfg.MaxVisionFrames,
		client:          cfg.Client,
		logger:          cfg.Logger,
	}
}

// Enabled reports whether the client has credentials.
func (c *Client) Enabled() bool { return c != nil && c.apiKey != "" }

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []contentPart
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
	Temperature    *float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// chatJSON sends a JSON-mode chat completion and returns the raw content
// after checking it against schema.
func (c *Client) chatJSON(ctx context.Context, messages []chatMessage, schema *replySchema) ([]byte, error) {
	if !c.Enabled() {
		return nil, ErrNotConfigured
	}
	temp := 0.0
	body, err := json.Marshal(chatRequest{
		Model:          c.model,
		Messages:       messages,
		ResponseFormat: map[string]any{"type": "json_object"},
		Temperature:    &temp,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	metrics.LLMRequestsTotal.Inc()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai request: %w", err)
	}
	defer resp.Body.Close()
	metrics.LLMLatency.Observe(time.Since(start).Seconds())

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("openai API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, errors.New("openai returned no choices")
	}
	content := []byte(out.Choices[0].Message.Content)
	if err := schema.check(content); err != nil {
		return nil, err
	}
	return content, nil
}
