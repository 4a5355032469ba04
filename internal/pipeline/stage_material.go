package pipeline

import (
	"context"
	"fmt"

	"github.com/reelsmith/reelsmith/internal/objstore"
	"github.com/reelsmith/reelsmith/pkg/models"
)

// MaterialStage verifies that every referenced source material is actually
// retrievable before any AI spend happens. An unreachable material is an
// external-service problem, not a user error: the upload already succeeded.
type MaterialStage struct {
	Store objstore.ObjectStore
}

func (s *MaterialStage) Name() models.Stage { return models.StageMaterialProcessing }

func (s *MaterialStage) ProgressRange() (int, int) {
	return models.StageMaterialProcessing.ProgressRange()
}

func (s *MaterialStage) Execute(ctx context.Context, work *Work, report ReportFunc) Outcome {
	refs := work.Task.MediaRefs
	if len(refs) == 0 {
		return TerminalFailure(&ValidationError{Msg: "task has no source materials"})
	}

	lo, hi := s.ProgressRange()
	span := hi - lo

	for i, ref := range refs {
		if _, err := s.Store.Get(ctx, ref.URL); err != nil {
			return RetryableFailure(&ExternalServiceError{
				Service: "object storage",
				Err:     fmt.Errorf("fetching material %s: %w", ref.URL, err),
			})
		}
		report(lo + span*(i+1)/len(refs))
	}

	return Success(hi)
}

var _ Stage = (*MaterialStage)(nil)
