package rating

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// checkViolation is the SQLSTATE of a failed CHECK constraint.
const checkViolation = "23514"

var (
	// ErrInvalidRating indicates a value outside [MinValue, MaxValue].
	ErrInvalidRating = errors.New("rating must be between 1 and 5")
	// ErrSelfRating indicates a rater targeting themselves.
	ErrSelfRating = errors.New("users cannot rate themselves")
	// ErrInvalidUser indicates a non positive user id.
	ErrInvalidUser = errors.New("user id must be positive")
	// ErrInvalidRank indicates a rank outside [MinRank, MaxRank].
	ErrInvalidRank = errors.New("rank must be between 1 and 5")
	// ErrConstraint indicates a write refused by a storage constraint.
	ErrConstraint = errors.New("rating: constraint violated")
	// ErrCascadeLimitExceeded marks a propagation run stopped by its work limit.
	ErrCascadeLimitExceeded = errors.New("rating: cascade limit exceeded")
)

// ValidationError rejects input before any storage is touched.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// StorageError wraps an I/O failure. Submissions failing with it can be retried.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("rating: storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// storageErr wraps err in a StorageError unless it is already classified.
// CHECK violations are caller mistakes and become a ValidationError.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	var ve *ValidationError
	if errors.As(err, &se) || errors.As(err, &ve) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == checkViolation {
		return &ValidationError{Field: pgErr.ConstraintName, Err: fmt.Errorf("%w: %s", ErrConstraint, op)}
	}
	return &StorageError{Op: op, Err: err}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsRetryable reports whether err is a StorageError.
func IsRetryable(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// BadRequest marks validation failures for the HTTP boundary.
func (e *ValidationError) BadRequest() bool { return true }

// Retryable marks storage failures for the HTTP boundary.
func (e *StorageError) Retryable() bool { return true }
