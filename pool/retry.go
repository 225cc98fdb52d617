package pool

import (
	"context"
	"errors"

	"github.com/Swind/go-worker-threads/core"
	"github.com/cenkalti/backoff/v5"
)

// Retry queues fn on p and queues it again each time it fails, waiting
// between attempts with exponential backoff shaped by policy. It gives up
// after policy.MaxRetries retries. Canceled tasks, pool termination, a full
// queue and the end of ctx stop it at once.
func Retry(ctx context.Context, p *Pool, fn TaskFunc, policy core.RetryPolicy) (any, error) {
	b := backoff.NewExponentialBackOff()
	b.RandomizationFactor = 0
	if policy.InitialDelay > 0 {
		b.InitialInterval = policy.InitialDelay
	}
	if policy.MaxDelay > 0 {
		b.MaxInterval = policy.MaxDelay
	}
	if policy.BackoffRatio >= 1 {
		b.Multiplier = policy.BackoffRatio
	}

	attempt := 0
	operation := func() (any, error) {
		attempt++
		task, err := p.Queue(fn)
		if err != nil {
			return nil, backoff.Permanent(err)
		}

		v, err := task.Await(ctx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			task.Cancel()
			return nil, backoff.Permanent(err)
		}
		if errors.Is(err, core.ErrCanceled) || errors.Is(err, core.ErrPoolTerminated) {
			return nil, backoff.Permanent(err)
		}
		p.logger.Debug("task attempt failed", core.F("pool", p.name), core.F("task_id", task.ID()),
			core.F("attempt", attempt), core.F("error", err))
		return nil, err
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(max(policy.MaxRetries, 0)+1)),
	)
}
