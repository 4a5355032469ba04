package pipeline

// OutcomeKind discriminates the four ways a stage execution can end.
type OutcomeKind int

const (
	// OutcomeSuccess means the stage finished and its outputs are set on the
	// work item.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeRetryable means the stage failed in a way worth re-attempting.
	OutcomeRetryable
	// OutcomeTerminal means re-running the stage cannot help.
	OutcomeTerminal
	// OutcomeSkipped means the stage never ran; the guard declined it.
	OutcomeSkipped
)

// Outcome is the single return value of a stage execution. Stages never panic
// and never signal through side channels; everything the dispatcher needs to
// act on is in here.
type Outcome struct {
	Kind     OutcomeKind
	Progress int    // set on success: the stage's final position on the task bar
	Err      error  // set on retryable and terminal failures
	Reason   string // set on skips
}

// Success reports the stage done with its outputs applied to the work item.
func Success(progress int) Outcome {
	return Outcome{Kind: OutcomeSuccess, Progress: progress}
}

// RetryableFailure reports a failure the retry policy may re-attempt.
func RetryableFailure(err error) Outcome {
	return Outcome{Kind: OutcomeRetryable, Err: err}
}

// TerminalFailure reports a failure that must not be auto-retried.
func TerminalFailure(err error) Outcome {
	return Outcome{Kind: OutcomeTerminal, Err: err}
}

// Skipped reports that the stage declined to run.
func Skipped(reason string) Outcome {
	return Outcome{Kind: OutcomeSkipped, Reason: reason}
}
