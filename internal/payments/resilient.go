package payments

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/servicedesk/internal/circuitbreaker"
	"github.com/mbd888/servicedesk/internal/metrics"
	"github.com/mbd888/servicedesk/internal/retry"
	"github.com/mbd888/servicedesk/internal/traces"
)

// ResilientProcessor wraps a Processor with bounded retries and a circuit
// breaker per operation. 4xx responses are not retried and do not count
// against the circuit.
type ResilientProcessor struct {
	inner   Processor
	policy  retry.Policy
	breaker *circuitbreaker.Breaker
}

// NewResilientProcessor wraps inner with the default retry policy and a
// breaker that opens after 5 consecutive transient failures for 30s.
func NewResilientProcessor(inner Processor) *ResilientProcessor {
	return &ResilientProcessor{
		inner:   inner,
		policy:  retry.DefaultPolicy(),
		breaker: circuitbreaker.New(5, 30*time.Second).WithFailurePredicate(isTransient),
	}
}

// WithPolicy overrides the retry policy.
func (r *ResilientProcessor) WithPolicy(p retry.Policy) *ResilientProcessor {
	r.policy = p
	return r
}

// WithBreaker overrides the circuit breaker.
func (r *ResilientProcessor) WithBreaker(b *circuitbreaker.Breaker) *ResilientProcessor {
	r.breaker = b
	return r
}

func (r *ResilientProcessor) call(ctx context.Context, op string, fn func(ctx context.Context) error) (err error) {
	ctx, span := traces.StartSpan(ctx, "processor."+op)
	defer func() { traces.End(span, err) }()

	return r.policy.Do(ctx, func() error {
		start := time.Now()
		err := r.breaker.Execute("processor."+op, func() error { return fn(ctx) })
		metrics.ObserveProcessor(op, start)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, circuitbreaker.ErrOpen), !isTransient(err):
			return retry.Permanent(err)
		}
		return err
	})
}

func (r *ResilientProcessor) CreateCustomer(ctx context.Context, params CustomerParams) (string, error) {
	var id string
	err := r.call(ctx, "create_customer", func(ctx context.Context) error {
		var err error
		id, err = r.inner.CreateCustomer(ctx, params)
		return err
	})
	return id, err
}

func (r *ResilientProcessor) CreateEphemeralKey(ctx context.Context, customerID string) (string, error) {
	var key string
	err := r.call(ctx, "create_ephemeral_key", func(ctx context.Context) error {
		var err error
		key, err = r.inner.CreateEphemeralKey(ctx, customerID)
		return err
	})
	return key, err
}

func (r *ResilientProcessor) CreatePaymentIntent(ctx context.Context, params IntentParams) (*Intent, error) {
	var intent *Intent
	err := r.call(ctx, "create_payment_intent", func(ctx context.Context) error {
		var err error
		intent, err = r.inner.CreatePaymentIntent(ctx, params)
		return err
	})
	return intent, err
}

func (r *ResilientProcessor) GetPaymentIntent(ctx context.Context, id string) (*Intent, error) {
	var intent *Intent
	err := r.call(ctx, "get_payment_intent", func(ctx context.Context) error {
		var err error
		intent, err = r.inner.GetPaymentIntent(ctx, id)
		return err
	})
	return intent, err
}
