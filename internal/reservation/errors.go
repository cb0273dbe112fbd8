package reservation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrInsufficientCapacity = errors.New("not enough seats available")
	ErrSeatConflict         = errors.New("seats already booked")
	ErrAlreadyCancelled     = errors.New("booking already cancelled")
	ErrInvalidRequest       = errors.New("invalid request")
	ErrBusy                 = errors.New("trip is busy, try again")
	ErrUnavailable          = errors.New("storage unavailable")
)

// SeatConflictError lists every requested seat that is already booked, ascending.
type SeatConflictError struct {
	Seats []int
}

func (e *SeatConflictError) Error() string {
	parts := make([]string, len(e.Seats))
	for i, s := range e.Seats {
		parts[i] = strconv.Itoa(s)
	}
	return fmt.Sprintf("seats %s are already booked", strings.Join(parts, ", "))
}

func (e *SeatConflictError) Is(target error) bool { return target == ErrSeatConflict }

// InvalidRequestError names the offending field.
type InvalidRequestError struct {
	Field string
	Msg   string
}

func (e *InvalidRequestError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

func (e *InvalidRequestError) Is(target error) bool { return target == ErrInvalidRequest }

func invalid(field, msg string, args ...interface{}) error {
	return &InvalidRequestError{Field: field, Msg: fmt.Sprintf(msg, args...)}
}

// unavailableError wraps a storage failure.
type unavailableError struct {
	op  string
	err error
}

func (e *unavailableError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.op, ErrUnavailable, e.err)
}

func (e *unavailableError) Unwrap() error { return e.err }

func (e *unavailableError) Is(target error) bool { return target == ErrUnavailable }

func unavailable(op string, err error) error {
	return &unavailableError{op: op, err: err}
}
