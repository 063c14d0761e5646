package fetch

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryFetcher 对网络失败做指数退避重试；HTTP 错误状态不重试。
type RetryFetcher struct {
	inner          Fetcher
	maxRetries     int
	initialBackoff time.Duration
}

// NewRetryFetcher 包装 inner，maxRetries <= 0 时直接透传。
func NewRetryFetcher(inner Fetcher, maxRetries int, initialBackoff time.Duration) *RetryFetcher {
	if initialBackoff <= 0 {
		initialBackoff = time.Second
	}
	return &RetryFetcher{
		inner:          inner,
		maxRetries:     maxRetries,
		initialBackoff: initialBackoff,
	}
}

func (r *RetryFetcher) Fetch(ctx context.Context, req *Request) (*Response, error) {
	if r.maxRetries <= 0 {
		return r.inner.Fetch(ctx, req)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.initialBackoff
	policy.MaxElapsedTime = 0

	var resp *Response
	operation := func() error {
		result, err := r.inner.Fetch(ctx, req)
		if err != nil {
			if IsNetworkFailure(err) && ctx.Err() == nil {
				return err
			}
			return backoff.Permanent(err)
		}
		resp = result
		return nil
	}

	bounded := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(r.maxRetries)), ctx)
	if err := backoff.Retry(operation, bounded); err != nil {
		return nil, err
	}
	return resp, nil
}
