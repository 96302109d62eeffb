package domain

import (
	"errors"
	"fmt"
)

// FailKind classifies cycle-scoped failures. Only Fatal terminates a worker;
// everything else folds into a HOLD decision with the kind as reason.
type FailKind string

const (
	FailTransientNetwork   FailKind = "transient_network"
	FailRateLimited        FailKind = "rate_limited"
	FailStaleData          FailKind = "stale_data"
	FailSimulation         FailKind = "simulation"
	FailTxReverted         FailKind = "tx_reverted"
	FailBridgeTimeout      FailKind = "bridge_timeout"
	FailInvariantViolation FailKind = "invariant_violation"
	FailFatal              FailKind = "fatal"
)

// ClassifiedError tags an underlying error with its FailKind.
type ClassifiedError struct {
	Kind FailKind
	Err  error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Classify wraps err with kind. A nil err returns nil.
func Classify(kind FailKind, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Kind: kind, Err: err}
}

// Classifyf builds a classified error from a format string.
func Classifyf(kind FailKind, format string, args ...any) error {
	return &ClassifiedError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the FailKind from err, defaulting to transient_network for
// unclassified errors so retry policy stays conservative.
func KindOf(err error) FailKind {
	if err == nil {
		return ""
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return FailTransientNetwork
}

// IsFatal reports whether err must terminate the worker process.
func IsFatal(err error) bool {
	return KindOf(err) == FailFatal
}
