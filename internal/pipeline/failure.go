// Package pipeline drives jobs through their stages: claim, execute, persist, advance.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/meetmemo/pipeline/internal/db/models"
)

// FailureKind classifies why a stage failed
type FailureKind string

// Failure kinds surfaced on failed jobs
const (
	// KindPrecondition means a required dependency was missing before any work started
	KindPrecondition FailureKind = "PreconditionFailure"
	// KindTransient covers timeouts, network errors and rate limiting
	KindTransient FailureKind = "TransientExecutionFailure"
	// KindPermanent means the request itself can never succeed
	KindPermanent FailureKind = "PermanentExecutionFailure"
)

func (k FailureKind) String() string {
	return string(k)
}

// Retryable reports whether the coordinator may run the stage again
func (k FailureKind) Retryable() bool {
	return k == KindTransient
}

// Failure is the typed error returned by stage executors.
// Stage and Message are filled in by Describe once the failing stage is known.
type Failure struct {
	Kind    FailureKind
	Stage   string
	Message string
	Err     error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s: %s", f.Kind, f.Message)
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

// Retryable reports whether the stage may run again after this failure
func (f *Failure) Retryable() bool {
	return f.Kind.Retryable()
}

// Record converts the failure into the form stored on the job
func (f *Failure) Record(at time.Time) *models.FailureRecord {
	return &models.FailureRecord{
		Kind:       f.Kind.String(),
		Stage:      f.Stage,
		Message:    f.Message,
		OccurredAt: at,
	}
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Precondition wraps err as a precondition failure
func Precondition(err error) error {
	return &Failure{Kind: KindPrecondition, Err: err}
}

// Transient wraps err as a retryable execution failure
func Transient(err error) error {
	return &Failure{Kind: KindTransient, Err: err}
}

// Permanent wraps err as a non-retryable execution failure
func Permanent(err error) error {
	return &Failure{Kind: KindPermanent, Err: err}
}

// Classify returns the failure kind of err. Stage timeouts and untyped errors are transient.
func Classify(err error) FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindTransient
}

// Describe classifies err as a failure of stage
func Describe(err error, stage models.Stage) *Failure {
	return &Failure{
		Kind:    Classify(err),
		Stage:   stage.String(),
		Message: err.Error(),
		Err:     err,
	}
}

// IsTimeout reports whether err comes from an exceeded stage deadline
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
