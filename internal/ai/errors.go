package ai

import "github.com/reelsmith/reelsmith/internal/ai/aierrors"

// Aliases to the sentinel values in aierrors, which live in a leaf package so
// the provider subpackages can use them without creating an import cycle with
// this package's factory.
var (
	ErrProviderUnavailable = aierrors.ErrProviderUnavailable
	ErrInvalidResponse     = aierrors.ErrInvalidResponse
	ErrRateLimited         = aierrors.ErrRateLimited
)
