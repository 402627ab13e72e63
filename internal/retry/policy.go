package retry

import (
	"time"

	"github.com/frahmantamala/payment-ledger/internal"
)

// Policy bounds how a task is retried. Delay grows as BaseDelay * 2^n where
// n counts retries already scheduled, capped at MaxDelay.
type Policy struct {
	Name           string
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
}

const DefaultMaxAttempts = 3

func (p Policy) Delay(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	delay := p.BaseDelay
	for i := 0; i < retry; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

func (p Policy) attempts() int {
	if p.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return p.MaxAttempts
}

// Policies are the named policies, ordered by how critical the operation is.
type Policies struct {
	Notification Policy
	Webhook      Policy
	ProviderSync Policy
	Refund       Policy
	ProviderCall Policy
}

func NewPolicies(cfg internal.RetryConfig) Policies {
	return Policies{
		Notification: FromConfig("notification", cfg.Notification, 30*time.Second),
		Webhook:      FromConfig("webhook", cfg.Webhook, 60*time.Second),
		ProviderSync: FromConfig("provider_sync", cfg.ProviderSync, 120*time.Second),
		Refund:       FromConfig("refund", cfg.Refund, 180*time.Second),
		ProviderCall: FromConfig("provider_call", cfg.ProviderCall, 250*time.Millisecond),
	}
}

func FromConfig(name string, c internal.RetryPolicyConfig, fallbackBase time.Duration) Policy {
	p := Policy{
		Name:           name,
		MaxAttempts:    c.MaxAttempts,
		BaseDelay:      c.BaseDelay,
		MaxDelay:       c.MaxDelay,
		AttemptTimeout: c.AttemptTimeout,
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = fallbackBase
	}
	return p
}
