package models

import "context"

// AIProvider is the content-analysis and script-generation collaborator used
// by the material_analysis and script_generation stages. Analyze produces a
// content analysis of the uploaded materials; GenerateScript turns an
// analysis into a narration script for one video style. Both outputs are
// persisted on the task row addressed by task id, so a retried task never
// re-runs a completed call.
type AIProvider interface {
	Name() string
	Analyze(ctx context.Context, refs []MediaRef) (string, error)
	GenerateScript(ctx context.Context, analysis, style string) (string, error)
}
