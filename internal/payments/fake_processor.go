package payments

import (
	"context"
	"fmt"
	"sync"
)

// FakeProcessor is an in-memory Processor for development and tests.
// Intents start in requires_payment_method; Succeed moves one to succeeded.
// Idempotency keys are honoured the way the real processor honours them.
type FakeProcessor struct {
	mu        sync.Mutex
	seq       int
	byKey     map[string]string
	intents   map[string]*Intent
	failures  map[string]error
	succeedOn bool
	calls     map[string]int
}

// NewFakeProcessor creates an empty fake processor.
func NewFakeProcessor() *FakeProcessor {
	return &FakeProcessor{
		byKey:    make(map[string]string),
		intents:  make(map[string]*Intent),
		failures: make(map[string]error),
		calls:    make(map[string]int),
	}
}

// FailWith makes every call to op return err until cleared with a nil err.
func (f *FakeProcessor) FailWith(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, op)
		return
	}
	f.failures[op] = err
}

// AutoSucceed makes new intents start out succeeded.
func (f *FakeProcessor) AutoSucceed(on bool) {
	f.mu.Lock()
	f.succeedOn = on
	f.mu.Unlock()
}

// Succeed marks an intent as paid.
func (f *FakeProcessor) Succeed(intentID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if in, ok := f.intents[intentID]; ok {
		in.Status = IntentSucceeded
	}
}

// Calls returns how many times op was invoked.
func (f *FakeProcessor) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Caller must hold f.mu.
func (f *FakeProcessor) enter(op string) error {
	f.calls[op]++
	return f.failures[op]
}

// Caller must hold f.mu.
func (f *FakeProcessor) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s_fake_%d", prefix, f.seq)
}

func (f *FakeProcessor) CreateCustomer(_ context.Context, params CustomerParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("create_customer"); err != nil {
		return "", err
	}
	if id, ok := f.byKey[params.IdempotencyKey]; ok && params.IdempotencyKey != "" {
		return id, nil
	}
	id := f.nextID("cus")
	if params.IdempotencyKey != "" {
		f.byKey[params.IdempotencyKey] = id
	}
	return id, nil
}

func (f *FakeProcessor) CreateEphemeralKey(_ context.Context, customerID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("create_ephemeral_key"); err != nil {
		return "", err
	}
	return f.nextID("ek_" + customerID), nil
}

func (f *FakeProcessor) CreatePaymentIntent(_ context.Context, params IntentParams) (*Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("create_payment_intent"); err != nil {
		return nil, err
	}
	if id, ok := f.byKey[params.IdempotencyKey]; ok && params.IdempotencyKey != "" {
		cp := *f.intents[id]
		return &cp, nil
	}
	id := f.nextID("pi")
	in := &Intent{
		ID:           id,
		ClientSecret: id + "_secret",
		Status:       IntentRequiresPaymentMethod,
		AmountMinor:  params.AmountMinor,
		Currency:     params.Currency,
	}
	if f.succeedOn {
		in.Status = IntentSucceeded
	}
	f.intents[id] = in
	if params.IdempotencyKey != "" {
		f.byKey[params.IdempotencyKey] = id
	}
	cp := *in
	return &cp, nil
}

func (f *FakeProcessor) GetPaymentIntent(_ context.Context, id string) (*Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("get_payment_intent"); err != nil {
		return nil, err
	}
	in, ok := f.intents[id]
	if !ok {
		return nil, &ProcessorError{Op: "get_payment_intent", StatusCode: 404, Code: "resource_missing", Err: fmt.Errorf("no such payment_intent: %s", id)}
	}
	cp := *in
	return &cp, nil
}
