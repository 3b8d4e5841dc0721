// Package retry provides the backoff policy applied to provider calls.
//
// A Policy wraps an operation with exponential backoff: the delay
// starts at BaseDelay, doubles each attempt, is capped at MaxDelay,
// and carries jitter so retries against one endpoint do not herd.
// Only faults the classifier reports as transient are retried;
// permanent faults propagate immediately.
//
// Usage:
//
//	policy := retry.Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second, Classify: provider.IsTransient}
//	handle, err := retry.Do(ctx, policy, func() (*provider.Handle, error) {
//	    return client.Create(ctx, env, limits)
//	})
package retry
