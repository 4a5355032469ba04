package pipeline

import (
	"context"
	"errors"

	"github.com/reelsmith/reelsmith/internal/render"
	"github.com/reelsmith/reelsmith/pkg/models"
)

// VideoStage renders the final video from the stored script. For a
// multi-variant task the same stage runs once per variant, writing its result
// onto the variant instead of the parent.
type VideoStage struct {
	Engine render.Engine
}

func (s *VideoStage) Name() models.Stage { return models.StageVideoGeneration }

func (s *VideoStage) ProgressRange() (int, int) {
	return models.StageVideoGeneration.ProgressRange()
}

func (s *VideoStage) Execute(ctx context.Context, work *Work, report ReportFunc) Outcome {
	if work.Task.Script == nil || *work.Task.Script == "" {
		return TerminalFailure(&ConsistencyError{Op: "video generation", Err: errors.New("script output missing")})
	}

	lo, _ := s.ProgressRange()
	report(lo + 5)

	video, err := s.Engine.Render(ctx, *work.Task.Script, work.Style(), work.Task.MediaRefs)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return RetryableFailure(&TimeoutError{Op: "video generation", Err: err})
		}
		if retryable(err) {
			return RetryableFailure(err)
		}
		return TerminalFailure(err)
	}

	if work.Variant != nil {
		work.Variant.VideoURL = &video.URL
	} else {
		work.Task.VideoURL = &video.URL
	}
	return Success(100)
}

var _ Stage = (*VideoStage)(nil)
