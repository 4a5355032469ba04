package pipeline

import (
	"context"
	"errors"

	"github.com/reelsmith/reelsmith/pkg/models"
)

// ScriptStage turns the stored analysis into a narration script in the task's
// requested style.
type ScriptStage struct {
	Provider models.AIProvider
}

func (s *ScriptStage) Name() models.Stage { return models.StageScriptGeneration }

func (s *ScriptStage) ProgressRange() (int, int) {
	return models.StageScriptGeneration.ProgressRange()
}

func (s *ScriptStage) Execute(ctx context.Context, work *Work, report ReportFunc) Outcome {
	if work.Task.Analysis == nil || *work.Task.Analysis == "" {
		// The analysis stage reported success but left no output behind.
		return TerminalFailure(&ConsistencyError{Op: "script generation", Err: errors.New("analysis output missing")})
	}

	lo, hi := s.ProgressRange()
	report(lo + (hi-lo)/4)

	script, err := s.Provider.GenerateScript(ctx, *work.Task.Analysis, work.Task.Style)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return RetryableFailure(&TimeoutError{Op: "script generation", Err: err})
		}
		return RetryableFailure(&ExternalServiceError{Service: "ai provider", Err: err})
	}
	if script == "" {
		return RetryableFailure(&ExternalServiceError{Service: "ai provider", Err: errors.New("empty script")})
	}

	work.Task.Script = &script
	return Success(hi)
}

var _ Stage = (*ScriptStage)(nil)
