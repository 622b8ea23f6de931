// Package failure defines the error taxonomy shared by the pipeline stages,
// the worker clients and the HTTP layer.
//
// The retry predicate is IsTransient: only a *TransientWorkerError anywhere in
// the chain is retried. Everything else aborts the current stage immediately.
package failure

import (
	"errors"
	"fmt"
	"strings"
)

// Kind values returned by Kind.
const (
	KindTransient    = "transient"
	KindExhausted    = "transient_exhausted"
	KindFatal        = "fatal"
	KindValidation   = "validation"
	KindStorage      = "storage"
	KindNotFound     = "not_found"
	KindPrecondition = "precondition"
	KindPersistence  = "persistence"
	KindInternal     = "internal"
)

// TransientWorkerError is a remote worker failure expected to resolve on its
// own (overloaded endpoint, gateway timeout, dropped connection).
type TransientWorkerError struct {
	Worker string
	Status int // 0 when no HTTP response was received
	Detail string
	Err    error
}

func (e *TransientWorkerError) Error() string {
	return workerMessage("temporarily unavailable", e.Worker, e.Status, e.Detail, e.Err)
}

func (e *TransientWorkerError) Unwrap() error { return e.Err }

// FatalWorkerError is a remote worker failure that retrying will not fix:
// auth and other 4xx errors, protocol violations, malformed envelopes.
type FatalWorkerError struct {
	Worker string
	Status int
	Detail string
	Err    error
}

func (e *FatalWorkerError) Error() string {
	return workerMessage("failed", e.Worker, e.Status, e.Detail, e.Err)
}

func (e *FatalWorkerError) Unwrap() error { return e.Err }

// ExhaustedError is returned by the retry policy once the attempt budget is
// spent on transient failures. Last is the final transient error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// ValidationError reports malformed or out-of-range worker output.
type ValidationError struct {
	Problems []string
	Err      error
}

func (e *ValidationError) Error() string {
	msg := "invalid worker output"
	if len(e.Problems) > 0 {
		msg += ": " + strings.Join(e.Problems, "; ")
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

// StorageError wraps a blob store failure (quota, permission, network).
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NotFoundError reports a missing blob or row.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// PreconditionError reports input that a stage refuses before doing any work:
// zero-length audio, an empty transcript, analysis of an untranscribed
// recording.
type PreconditionError struct {
	Stage  string
	Reason string
}

func (e *PreconditionError) Error() string {
	if e.Stage == "" {
		return e.Reason
	}
	return e.Stage + ": " + e.Reason
}

// PersistenceError wraps a database failure. A PersistenceError from the
// results write guarantees nothing from that write was committed.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried by the retry policy.
func IsTransient(err error) bool {
	var te *TransientWorkerError
	var ex *ExhaustedError
	if errors.As(err, &ex) {
		return false
	}
	return errors.As(err, &te)
}

// Kind returns a stable machine-readable name for the error class.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	var (
		ex  *ExhaustedError
		pre *PreconditionError
		val *ValidationError
		nf  *NotFoundError
		st  *StorageError
		per *PersistenceError
		fat *FatalWorkerError
		tr  *TransientWorkerError
	)
	switch {
	case errors.As(err, &ex):
		return KindExhausted
	case errors.As(err, &pre):
		return KindPrecondition
	case errors.As(err, &val):
		return KindValidation
	case errors.As(err, &nf):
		return KindNotFound
	case errors.As(err, &st):
		return KindStorage
	case errors.As(err, &per):
		return KindPersistence
	case errors.As(err, &fat):
		return KindFatal
	case errors.As(err, &tr):
		return KindTransient
	}
	return KindInternal
}

// Retryable reports whether resubmitting the same work later is worthwhile.
// Fatal, validation, precondition and not-found errors will fail the same
// way again.
func Retryable(err error) bool {
	switch Kind(err) {
	case KindExhausted, KindTransient, KindStorage, KindPersistence:
		return true
	}
	return false
}

// Message renders err for operators. It always says whether the system
// already retried or will not retry automatically.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var ex *ExhaustedError
	switch Kind(err) {
	case KindExhausted:
		errors.As(err, &ex)
		return fmt.Sprintf("Retried %d times and gave up: %v. The service may be overloaded; resubmitting later is worthwhile.", ex.Attempts, ex.Last)
	case KindTransient:
		return fmt.Sprintf("Temporary failure: %v. Resubmitting later is worthwhile.", err)
	case KindStorage, KindPersistence:
		return fmt.Sprintf("Will not retry automatically: %v. Resubmit once the backing service is healthy.", err)
	case KindValidation:
		return fmt.Sprintf("Will not retry automatically: the model returned unusable output (%v).", err)
	case KindPrecondition:
		return fmt.Sprintf("Will not retry automatically: %v.", err)
	case KindNotFound:
		return fmt.Sprintf("Will not retry automatically: %v.", err)
	}
	return fmt.Sprintf("Will not retry automatically: %v.", err)
}

func workerMessage(what, worker string, status int, detail string, err error) string {
	var b strings.Builder
	if worker == "" {
		worker = "worker"
	}
	b.WriteString(worker)
	b.WriteString(" ")
	b.WriteString(what)
	if status != 0 {
		fmt.Fprintf(&b, " (status %d)", status)
	}
	if detail != "" {
		b.WriteString(": ")
		b.WriteString(detail)
	}
	if err != nil {
		b.WriteString(": ")
		b.WriteString(err.Error())
	}
	return b.String()
}
