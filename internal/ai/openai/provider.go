package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	aierrors "github.com/reelsmith/reelsmith/internal/ai/aierrors"
	"github.com/reelsmith/reelsmith/internal/config"
	"github.com/reelsmith/reelsmith/pkg/models"
)

const baseURL = "https://api.openai.com/v1"

// Provider implements models.AIProvider using the OpenAI chat completions API.
type Provider struct {
	cfg    config.OpenAIConfig
	client *http.Client
}

func NewProvider(cfg config.OpenAIConfig) *Provider {
	return &Provider{cfg: cfg, client: &http.Client{}}
}

func (p *Provider) Name() string { return "openai" }

func (p *Provider) Analyze(ctx context.Context, refs []models.MediaRef) (string, error) {
	var sb strings.Builder
	sb.WriteString("Analyze the following source materials for video production. ")
	sb.WriteString("Describe the key topics, narrative arc, and visual opportunities.\n")
	for _, ref := range refs {
		fmt.Fprintf(&sb, "- %s: %s\n", ref.Kind, ref.URL)
	}
	return p.complete(ctx, sb.String())
}

func (p *Provider) GenerateScript(ctx context.Context, analysis, style string) (string, error) {
	prompt := fmt.Sprintf(
		"Write a video narration script in the %q style based on this content analysis:\n\n%s",
		style, analysis)
	return p.complete(ctx, prompt)
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (p *Provider) complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:    p.cfg.Model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", aierrors.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", aierrors.ErrRateLimited
	}
	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("%w: status %d", aierrors.ErrProviderUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", aierrors.ErrInvalidResponse, resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("%w: %v", aierrors.ErrInvalidResponse, err)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("%w: empty completion", aierrors.ErrInvalidResponse)
	}
	return parsed.Choices[0].Message.Content, nil
}

var _ models.AIProvider = (*Provider)(nil)
