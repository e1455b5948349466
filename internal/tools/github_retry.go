package tools

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
)

// rateAwareBackOff follows the exponential schedule unless the last answer
// named a wait of its own.
type rateAwareBackOff struct {
	*backoff.ExponentialBackOff
	pending time.Duration
}

func (b *rateAwareBackOff) NextBackOff() time.Duration {
	if d := b.pending; d > 0 {
		b.pending = 0
		return d
	}
	return b.ExponentialBackOff.NextBackOff()
}

// do runs call, retrying rate limits, 5xx answers and transport failures.
// Other failures return at once.
func (g *GitHubTools) do(ctx context.Context, call func() (*github.Response, error)) (*github.Response, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = g.retry.InitialBackoff
	exp.MaxInterval = g.retry.MaxBackoff
	exp.Multiplier = g.retry.BackoffMultiplier
	policy := &rateAwareBackOff{ExponentialBackOff: exp}

	start := time.Now()
	attempts := 0
	resp, err := backoff.Retry(ctx, func() (*github.Response, error) {
		attempts++
		resp, err := call()
		if err == nil {
			return resp, nil
		}
		if !retryable(err, resp) {
			return resp, backoff.Permanent(err)
		}
		if limited(resp) {
			policy.pending = rateLimitWait(resp, g.retry.MaxBackoff)
		}
		return resp, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(g.retry.MaxRetries+1)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			g.logger.Info("retrying GitHub API call",
				zap.Int("attempt", attempts),
				zap.Duration("backoff", wait),
				zap.Error(err))
		}),
	)

	switch {
	case err == nil:
		if attempts > 1 {
			g.logger.Info("GitHub API call recovered",
				zap.Int("attempts", attempts),
				zap.Duration("elapsed", time.Since(start)))
		}
		return resp, nil
	case attempts > g.retry.MaxRetries:
		g.logger.Warn("GitHub API call failed after retries",
			zap.Int("attempts", attempts),
			zap.Int("status_code", statusCode(resp)),
			zap.Error(err))
		return resp, fmt.Errorf("GitHub API call failed after %d attempts: %w", attempts, err)
	default:
		return resp, err
	}
}

// retryable reports whether a failed call is worth repeating. A missing
// response means the request never got an answer.
func retryable(err error, resp *github.Response) bool {
	if err == nil {
		return false
	}
	code := statusCode(resp)
	switch {
	case code == 0, code == http.StatusTooManyRequests:
		return true
	case code == http.StatusForbidden:
		// secondary rate limits come back as 403 with rate headers
		return resp.Rate.Limit > 0 && resp.Rate.Remaining == 0
	}
	return code >= 500 && code < 600
}

func limited(resp *github.Response) bool {
	code := statusCode(resp)
	return code == http.StatusTooManyRequests || (code == http.StatusForbidden && resp.Rate.Limit > 0)
}

// rateLimitWait is the time until the limit resets plus a second, capped at ceiling.
func rateLimitWait(resp *github.Response, ceiling time.Duration) time.Duration {
	if resp == nil || resp.Rate.Reset.IsZero() {
		return ceiling
	}
	wait := time.Until(resp.Rate.Reset.Time) + time.Second
	return min(max(wait, time.Second), ceiling)
}

func statusCode(resp *github.Response) int {
	if resp == nil || resp.Response == nil {
		return 0
	}
	return resp.Response.StatusCode
}
