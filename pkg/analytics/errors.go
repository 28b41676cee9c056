package analytics

import (
	"errors"
	"fmt"
)

// ErrValidation matches every ValidationError
var ErrValidation = errors.New("validation failed")

// ValidationError reports caller input that fails the ingestion contract
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("missing required field %q", e.Field)
}

// Is lets errors.Is(err, ErrValidation) match
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
