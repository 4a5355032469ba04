package pipeline

import (
	"time"

	"github.com/reelsmith/reelsmith/internal/config"
)

// BackoffPolicy computes the wait before retry attempt n. Attempts are
// 1-based; Delay(1) is the wait before the first re-execution.
type BackoffPolicy struct {
	Kind string // fixed | exponential
	Base time.Duration
	Max  time.Duration
}

func NewBackoffPolicy(cfg config.PipelineConfig) BackoffPolicy {
	return BackoffPolicy{
		Kind: cfg.RetryBackoff,
		Base: cfg.BackoffBase,
		Max:  cfg.BackoffMax,
	}
}

func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.Kind == "fixed" {
		return p.Base
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}
