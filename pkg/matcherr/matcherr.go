// Package matcherr defines the sentinel error kinds returned across
// package boundaries so callers can branch with errors.Is/errors.As
// instead of matching on message text.
package matcherr

import "errors"

var (
	// ErrInvalid marks a request that is structurally or semantically malformed.
	ErrInvalid = errors.New("matcherr: invalid request")
	// ErrQueueUnavailable marks a failure to append to or read from the event queue.
	ErrQueueUnavailable = errors.New("matcherr: event queue unavailable")
	// ErrTimeout marks an operation that did not complete within its deadline.
	ErrTimeout = errors.New("matcherr: timed out")
	// ErrInsufficientBalance marks a placement rejected for lack of spendable balance.
	ErrInsufficientBalance = errors.New("matcherr: insufficient balance")
	// ErrDuplicateOrder marks a placement whose order id already exists.
	ErrDuplicateOrder = errors.New("matcherr: duplicate order")
	// ErrUnknownPair marks a reference to an asset pair absent from the registry.
	ErrUnknownPair = errors.New("matcherr: unknown asset pair")
	// ErrScriptDenied marks a placement rejected by an account or asset script.
	ErrScriptDenied = errors.New("matcherr: denied by script")
	// ErrScriptError marks a script evaluation that failed to run to completion.
	ErrScriptError = errors.New("matcherr: script evaluation error")
	// ErrInternalInvariant marks a violation of an internal bookkeeping invariant.
	// Seeing this surfaced to a caller is always a bug.
	ErrInternalInvariant = errors.New("matcherr: internal invariant violated")
)

// Kind is a coded error that wraps one of the sentinels above together
// with request-specific context, so logs carry detail while errors.Is
// still matches the sentinel.
type Kind struct {
	Sentinel error
	Op       string
	Detail   string
}

func (e *Kind) Error() string {
	if e.Detail == "" {
		return e.Op + ": " + e.Sentinel.Error()
	}
	return e.Op + ": " + e.Sentinel.Error() + ": " + e.Detail
}

func (e *Kind) Unwrap() error { return e.Sentinel }

// Wrap builds a Kind error for op, carrying sentinel and a free-form detail.
func Wrap(op string, sentinel error, detail string) error {
	return &Kind{Sentinel: sentinel, Op: op, Detail: detail}
}
