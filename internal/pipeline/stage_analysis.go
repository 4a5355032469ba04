package pipeline

import (
	"context"
	"errors"

	"github.com/reelsmith/reelsmith/pkg/models"
)

// AnalysisStage asks the AI provider to analyze the task's source materials.
// Its output is the analysis text, stored on the task row so a later retry
// never pays for this call twice.
type AnalysisStage struct {
	Provider models.AIProvider
}

func (s *AnalysisStage) Name() models.Stage { return models.StageMaterialAnalysis }

func (s *AnalysisStage) ProgressRange() (int, int) {
	return models.StageMaterialAnalysis.ProgressRange()
}

func (s *AnalysisStage) Execute(ctx context.Context, work *Work, report ReportFunc) Outcome {
	if len(work.Task.MediaRefs) == 0 {
		return TerminalFailure(&ConsistencyError{Op: "material analysis", Err: errors.New("no materials on task")})
	}

	lo, hi := s.ProgressRange()
	report(lo + (hi-lo)/4)

	analysis, err := s.Provider.Analyze(ctx, work.Task.MediaRefs)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return RetryableFailure(&TimeoutError{Op: "material analysis", Err: err})
		}
		return RetryableFailure(&ExternalServiceError{Service: "ai provider", Err: err})
	}
	if analysis == "" {
		return RetryableFailure(&ExternalServiceError{Service: "ai provider", Err: errors.New("empty analysis")})
	}

	work.Task.Analysis = &analysis
	return Success(hi)
}

var _ Stage = (*AnalysisStage)(nil)
