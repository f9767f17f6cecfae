package lookup

import (
	"errors"
	"fmt"
)

// ErrDrugNotFound is returned when a drug name matches no RxNorm concept.
var ErrDrugNotFound = errors.New("drug not found")

// ValidationError reports a problem with caller input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is caused by caller input.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
