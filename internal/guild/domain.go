package guild

import (
	"errors"
	"fmt"

	"github.com/balloonboat/balloonboat/internal/rating"
)

// ID identifies a guild (chat server).
type ID int64

// RoleID identifies a role inside a guild.
type RoleID int64

// Binding links the members of a guild holding Rank to RoleID.
type Binding struct {
	GuildID ID
	Rank    rating.Rank
	RoleID  RoleID
}

var (
	// ErrInvalidGuild indicates a non positive guild id.
	ErrInvalidGuild = errors.New("guild id must be positive")
	// ErrInvalidRole indicates a non positive role id.
	ErrInvalidRole = errors.New("role id must be positive")
	// ErrNotLinked is returned when no role is bound to the requested rank.
	ErrNotLinked = errors.New("no role linked to this rank")
)

// InputError rejects invalid guild, rank or role arguments.
type InputError struct {
	Err error
}

func (e *InputError) Error() string { return e.Err.Error() }

func (e *InputError) Unwrap() error { return e.Err }

// BadRequest marks input errors for the HTTP boundary.
func (e *InputError) BadRequest() bool { return true }

// StoreError wraps a persistence failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("guild: %s: %v", e.Op, e.Err) }

func (e *StoreError) Unwrap() error { return e.Err }

// Retryable marks storage failures for the HTTP boundary.
func (e *StoreError) Retryable() bool { return true }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
