package mock

import (
	"context"
	"fmt"
	"strings"

	"github.com/reelsmith/reelsmith/pkg/models"
)

// Provider satisfies models.AIProvider for testing and local development.
type Provider struct {
	Name_              string
	AnalyzeFunc        func(ctx context.Context, refs []models.MediaRef) (string, error)
	GenerateScriptFunc func(ctx context.Context, analysis, style string) (string, error)
}

func (p *Provider) Name() string { return p.Name_ }

func (p *Provider) Analyze(ctx context.Context, refs []models.MediaRef) (string, error) {
	if p.AnalyzeFunc != nil {
		return p.AnalyzeFunc(ctx, refs)
	}
	return "", nil
}

func (p *Provider) GenerateScript(ctx context.Context, analysis, style string) (string, error) {
	if p.GenerateScriptFunc != nil {
		return p.GenerateScriptFunc(ctx, analysis, style)
	}
	return "", nil
}

// NewProvider returns a Provider with sensible default responses.
func NewProvider() *Provider {
	return &Provider{
		Name_: "mock",
		AnalyzeFunc: func(_ context.Context, refs []models.MediaRef) (string, error) {
			urls := make([]string, 0, len(refs))
			for _, ref := range refs {
				urls = append(urls, ref.URL)
			}
			return fmt.Sprintf("Mock analysis of %d materials: %s", len(refs), strings.Join(urls, ", ")), nil
		},
		GenerateScriptFunc: func(_ context.Context, analysis, style string) (string, error) {
			return fmt.Sprintf("Mock %s script based on: %s", style, analysis), nil
		},
	}
}

// NewFailingProvider returns a Provider that always returns the given error.
func NewFailingProvider(err error) *Provider {
	return &Provider{
		Name_: "mock-failing",
		AnalyzeFunc: func(_ context.Context, _ []models.MediaRef) (string, error) {
			return "", err
		},
		GenerateScriptFunc: func(_ context.Context, _, _ string) (string, error) {
			return "", err
		},
	}
}

// NewTimeoutProvider returns a Provider that blocks until the context is cancelled.
func NewTimeoutProvider() *Provider {
	return &Provider{
		Name_: "mock-timeout",
		AnalyzeFunc: func(ctx context.Context, _ []models.MediaRef) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
		GenerateScriptFunc: func(ctx context.Context, _, _ string) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
}

var _ models.AIProvider = (*Provider)(nil)
