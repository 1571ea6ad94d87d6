package internal

import (
	"fmt"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var _stripTags = bluemonday.StrictPolicy()

var (
	_minTextLength = 80
	_maxTextLength = 8000
)

// OutputValidator checks and sanitizes generated text before it is
// persisted. A non-empty error list fails the job with VALIDATION_ERROR.
type OutputValidator interface {
	ValidateAndSanitize(text string, ref *Reference) (sanitized string, errs []string)
}

// textValidator strips markup and enforces basic structural rules. When
// reference data is available it also requires the text to mention the
// verified title, which catches the model describing the wrong thing
// entirely.
type textValidator struct{}

var _ OutputValidator = (*textValidator)(nil)

// NewTextValidator creates the default validator.
func NewTextValidator() OutputValidator {
	return &textValidator{}
}

func (textValidator) ValidateAndSanitize(text string, ref *Reference) (string, []string) {
	sanitized := strings.TrimSpace(_stripTags.Sanitize(text))

	var errs []string
	if sanitized == "" {
		errs = append(errs, "text is empty after sanitization")
	}
	if n := len(sanitized); n > 0 && n < _minTextLength {
		errs = append(errs, fmt.Sprintf("text is too short (%d chars)", n))
	}
	if len(sanitized) > _maxTextLength {
		errs = append(errs, fmt.Sprintf("text is too long (%d chars)", len(sanitized)))
	}
	if ref != nil && ref.Title != "" && !strings.Contains(strings.ToLower(sanitized), strings.ToLower(ref.Title)) {
		errs = append(errs, fmt.Sprintf("text never mentions the verified title %q", ref.Title))
	}

	return sanitized, errs
}
