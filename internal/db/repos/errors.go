// Package repos provides the gorm-backed repositories of the job store and the database broker
package repos

import "errors"

var (
	// ErrJobNotFound is returned when no job exists for the given id
	ErrJobNotFound = errors.New("job not found")
	// ErrAlreadyClaimed is returned when another worker holds an unexpired lease on the job
	ErrAlreadyClaimed = errors.New("job already claimed")
	// ErrLeaseLost is returned when a mutation is attempted without holding the lease
	ErrLeaseLost = errors.New("job lease not held")
	// ErrInvalidState is returned when an operation is not allowed in the job's current state
	ErrInvalidState = errors.New("invalid job state")
	// ErrMessageNotFound is returned when a queue message is no longer reserved by the caller
	ErrMessageNotFound = errors.New("queue message not found")
)
