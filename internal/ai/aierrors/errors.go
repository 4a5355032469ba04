// Package aierrors holds the AI provider sentinel errors in a leaf package so
// that provider subpackages can reference them without importing the parent
// ai package (whose factory imports the subpackages).
package aierrors

import "errors"

var (
	ErrProviderUnavailable = errors.New("ai provider unavailable")
	ErrInvalidResponse     = errors.New("ai provider returned invalid response")
	ErrRateLimited         = errors.New("ai provider rate limited")
)
