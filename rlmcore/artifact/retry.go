package artifact

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryReader retries transient transport failures of a backing reader with
// exponential backoff. Domain errors (NotFound, OutOfRange) are terminal and
// returned immediately.
type RetryReader struct {
	inner      CanonicalReader
	maxRetries uint64
}

// NewRetryReader creates a RetryReader performing up to maxRetries retries
// per call.
func NewRetryReader(inner CanonicalReader, maxRetries uint64) *RetryReader {
	if maxRetries == 0 {
		maxRetries = 3
	}
	return &RetryReader{inner: inner, maxRetries: maxRetries}
}

func (r *RetryReader) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(b, r.maxRetries), ctx)
}

// Read implements CanonicalReader.
func (r *RetryReader) Read(ctx context.Context, docID string, start, end uint64) ([]byte, error) {
	var out []byte
	err := backoff.Retry(func() error {
		body, err := r.inner.Read(ctx, docID, start, end)
		if err != nil {
			if IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		out = body
		return nil
	}, r.policy(ctx))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Length implements CanonicalReader.
func (r *RetryReader) Length(ctx context.Context, docID string) (uint64, error) {
	var out uint64
	err := backoff.Retry(func() error {
		length, err := r.inner.Length(ctx, docID)
		if err != nil {
			if IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		out = length
		return nil
	}, r.policy(ctx))
	if err != nil {
		return 0, err
	}
	return out, nil
}

// Exists implements CanonicalReader.
func (r *RetryReader) Exists(ctx context.Context, docID string) (bool, error) {
	var out bool
	err := backoff.Retry(func() error {
		exists, err := r.inner.Exists(ctx, docID)
		if err != nil {
			if IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		out = exists
		return nil
	}, r.policy(ctx))
	if err != nil {
		return false, err
	}
	return out, nil
}

// Ensure RetryReader implements CanonicalReader
var _ CanonicalReader = (*RetryReader)(nil)
