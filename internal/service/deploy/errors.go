package deploy

import (
	"errors"
	"fmt"

	"github.com/ahmedG3far44/DevPilot-server/internal/repository"
	"github.com/ahmedG3far44/DevPilot-server/internal/service/ports"
)

var (
	// ErrValidation marks malformed or missing caller input.
	ErrValidation = errors.New("validation failed")
	// ErrPersistence marks a deployment store failure.
	ErrPersistence = errors.New("deployment store failure")
	// ErrPortConflict is returned when both allocation attempts lost the port race.
	ErrPortConflict = errors.New("port allocation conflict")
)

// ValidationError describes a rejected field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Message)
}

// Is lets callers match any ValidationError against ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// storeError keeps the repository sentinels callers map to status codes and
// folds everything else into ErrPersistence.
func storeError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound),
		errors.Is(err, repository.ErrStatusConflict),
		errors.Is(err, ports.ErrRangeExhausted):
		return err
	default:
		return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
	}
}
