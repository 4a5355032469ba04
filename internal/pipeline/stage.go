package pipeline

import (
	"context"

	"github.com/reelsmith/reelsmith/pkg/models"
)

// Work is the mutable unit a stage operates on. Stages read prior-stage
// outputs from Task and write their own outputs back onto Task (or onto
// Variant when rendering one variant of a multi-variant task). The dispatcher
// persists whatever the stage mutated after a success outcome.
type Work struct {
	Task *models.Task
	// Variant is non-nil only for video generation of one variant; the stage
	// then writes its video URL to the variant instead of the parent.
	Variant *models.SubTask
}

// Style returns the style the stage should render with: the variant's own
// style when present, otherwise the task's.
func (w *Work) Style() string {
	if w.Variant != nil {
		return w.Variant.VariantStyle
	}
	return w.Task.Style
}

// ReportFunc publishes intermediate progress, expressed on the parent task's
// overall 0-100 bar within the stage's sub-range. Reports are best-effort;
// stages must not depend on them being persisted.
type ReportFunc func(progress int)

// Stage is one phase of the pipeline. Implementations are stateless values;
// the dispatcher holds the single ordered list and walks it strictly in
// order.
type Stage interface {
	Name() models.Stage
	ProgressRange() (lo, hi int)
	Execute(ctx context.Context, work *Work, report ReportFunc) Outcome
}
