package massing

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyImage     = errors.New("massing: empty image")
	ErrMissingBBox    = errors.New("massing: bounding box is required")
	ErrInvalidBBox    = errors.New("massing: invalid bounding box")
	ErrParcelTooSmall = errors.New("massing: parcel too small to generate")
	ErrQualityCheck   = errors.New("massing: generated image failed the parcel shape check")
	ErrNoGenerator    = errors.New("massing: no image generator configured")
)

// InputError reports a malformed request field. The request is rejected with
// no partial output.
type InputError struct {
	Field string
	Err   error
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *InputError) Unwrap() error { return e.Err }

func inputErr(field string, err error) error {
	return &InputError{Field: field, Err: err}
}

// GenerationCategory classifies a failed call to the image-generation service.
type GenerationCategory string

const (
	CategoryRateLimit   GenerationCategory = "rate_limit"
	CategoryTimeout     GenerationCategory = "timeout"
	CategoryUnavailable GenerationCategory = "unavailable"
	CategoryFatal       GenerationCategory = "api_error"
	CategoryUnexpected  GenerationCategory = "unexpected"
)

// Retryable reports whether another attempt may succeed.
func (c GenerationCategory) Retryable() bool {
	switch c {
	case CategoryRateLimit, CategoryTimeout, CategoryUnavailable:
		return true
	}
	return false
}

// GenerationError is returned once the generation service has failed for
// good, either on a fatal error or after the retry budget ran out.
type GenerationError struct {
	Category GenerationCategory
	Attempts int
	Err      error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation %s after %d attempt(s): %v", e.Category, e.Attempts, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// IsInputError reports whether err is a malformed-input error and returns
// the offending field.
func IsInputError(err error) (string, bool) {
	var ie *InputError
	if errors.As(err, &ie) {
		return ie.Field, true
	}
	return "", false
}

// GenerationCategoryOf extracts the failure category from err, if any.
func GenerationCategoryOf(err error) (GenerationCategory, bool) {
	var ge *GenerationError
	if errors.As(err, &ge) {
		return ge.Category, true
	}
	return "", false
}
