package retry

import (
	stderrors "errors"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeInvalidSpec    = "RETRY_INVALID_SPEC"
	ErrCodeInvalidOptions = "RETRY_INVALID_OPTIONS"
	ErrCodeExhausted      = "RETRY_EXHAUSTED"
	ErrCodeCancelled      = "RETRY_CANCELLED"
	ErrCodeStateMismatch  = "RETRY_STATE_MISMATCH"
	ErrCodeInvocation     = "RETRY_INVOCATION_FAILED"
)

var (
	ErrInvalidSpec = apperrors.New("invalid retry spec", apperrors.CategoryBadInput).
			WithTextCode(ErrCodeInvalidSpec)
	ErrExhausted = apperrors.New("retries exhausted", apperrors.CategoryHandler).
			WithTextCode(ErrCodeExhausted)
	ErrCancelled = apperrors.New("retry superseded", apperrors.CategoryConflict).
			WithTextCode(ErrCodeCancelled)
	ErrStateMismatch = apperrors.New("state check failed", apperrors.CategoryHandler).
				WithTextCode(ErrCodeStateMismatch)
)

// CloneError derives a concrete error from one of the sentinels above,
// keeping its category and text code.
func CloneError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	if base == nil {
		base = ErrInvalidSpec
	}
	err := base.Clone()
	if message != "" {
		err.Message = message
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

func errorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// IsCancelled reports whether err marks a loop superseded through its retry id.
func IsCancelled(err error) bool {
	return errorCode(err) == ErrCodeCancelled
}

// IsExhausted reports whether err marks a loop that ran out of attempts.
func IsExhausted(err error) bool {
	return errorCode(err) == ErrCodeExhausted
}

// IsInvalidSpec reports whether err is a configuration error raised at setup.
func IsInvalidSpec(err error) bool {
	return errorCode(err) == ErrCodeInvalidSpec
}
