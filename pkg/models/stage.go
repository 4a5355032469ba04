package models

// Stage is one of the four ordered phases a Task moves through while
// processing.
type Stage string

const (
	StageMaterialProcessing Stage = "material_processing"
	StageMaterialAnalysis   Stage = "material_analysis"
	StageScriptGeneration   Stage = "script_generation"
	StageVideoGeneration    Stage = "video_generation"
)

// StageOrder is the strict execution order. Stage N+1 never starts before
// stage N has reported success.
var StageOrder = []Stage{
	StageMaterialProcessing,
	StageMaterialAnalysis,
	StageScriptGeneration,
	StageVideoGeneration,
}

// Next returns the stage after s, or false if s is the last stage.
func (s Stage) Next() (Stage, bool) {
	for i, st := range StageOrder {
		if st == s && i+1 < len(StageOrder) {
			return StageOrder[i+1], true
		}
	}
	return "", false
}

// Valid reports whether s names one of the four pipeline stages.
func (s Stage) Valid() bool {
	for _, st := range StageOrder {
		if st == s {
			return true
		}
	}
	return false
}

// ProgressRange returns the half-open progress sub-range [lo, hi) owned by
// stage s on the overall 0-100 bar. The final stage owns [75, 100] so a
// finished task lands exactly on 100.
func (s Stage) ProgressRange() (lo, hi int) {
	switch s {
	case StageMaterialProcessing:
		return 0, 25
	case StageMaterialAnalysis:
		return 25, 50
	case StageScriptGeneration:
		return 50, 75
	case StageVideoGeneration:
		return 75, 101
	default:
		return 0, 0
	}
}
