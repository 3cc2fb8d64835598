package orchestrator

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v5"
)

// TransientError marks an LLM-call failure as retryable: rate limits,
// timeouts, connection resets. A Client should wrap any such error in
// TransientError before returning it from Complete; everything else is
// treated as permanent and fails the run with CodeLLMError immediately,
// per spec §4.7's failure semantics.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// MarkTransient wraps a non-nil err as a TransientError.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err (or something it wraps) was marked
// retryable by the LLM client.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// completeWithRetry drives req against client, retrying transient
// failures with exponential backoff up to maxAttempts times. A
// permanent error stops retrying on the first attempt.
func completeWithRetry(ctx context.Context, client Client, req *CompletionRequest, maxAttempts uint) (<-chan *CompletionChunk, error) {
	op := func() (<-chan *CompletionChunk, error) {
		chunks, err := client.Complete(ctx, req)
		if err == nil {
			return chunks, nil
		}
		if IsTransient(err) {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(maxAttempts),
	)
}
