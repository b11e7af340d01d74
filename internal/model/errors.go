package model

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrAuthentication       = errors.New("authentication failure")
	ErrCounterInconsistency = errors.New("counter inconsistency")
	ErrDataStoreUnavailable = errors.New("data store unavailable")
	ErrCacheRace            = errors.New("cache race")
	ErrAbortedByOperator    = errors.New("aborted by operator")
	ErrShutdownRequested    = errors.New("shutdown requested")

	ErrMailProtocol  = errors.New("mail protocol failure")
	ErrConnectFailed = fmt.Errorf("%w: connect failed", ErrMailProtocol)
	ErrImapDisabled  = fmt.Errorf("%w: IMAP access disabled", ErrMailProtocol)
	ErrDeleteFailed  = fmt.Errorf("%w: delete failed", ErrMailProtocol)

	ErrQueueSubmission   = errors.New("queue submission failure")
	ErrQueueFull         = fmt.Errorf("%w: queue full", ErrQueueSubmission)
	ErrTaskAlreadyExists = fmt.Errorf("%w: task already exists", ErrQueueSubmission)

	ErrInvalidCriterion = errors.New("invalid message criterion")
	ErrInvalidOwner     = errors.New("invalid owner email")
	ErrJobNotFound      = errors.New("recall job not found")
	ErrNotAdmin         = errors.New("owner is not a domain administrator")
)

// IsShutdown reports whether err came from the runtime stopping a worker.
func IsShutdown(err error) bool {
	return errors.Is(err, ErrShutdownRequested) || errors.Is(err, context.Canceled)
}

// IsQuiet reports whether err should bypass error logging.
func IsQuiet(err error) bool {
	return IsShutdown(err) || errors.Is(err, ErrAbortedByOperator)
}
