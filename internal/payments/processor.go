package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// IntentStatus mirrors the processor's payment intent states we act on.
type IntentStatus string

const (
	IntentRequiresPaymentMethod IntentStatus = "requires_payment_method"
	IntentProcessing            IntentStatus = "processing"
	IntentSucceeded             IntentStatus = "succeeded"
	IntentCanceled              IntentStatus = "canceled"
)

// CustomerParams identifies the payer at the processor.
type CustomerParams struct {
	Email          string
	Name           string
	UserID         string
	IdempotencyKey string
}

// IntentParams describes a payment intent to create.
type IntentParams struct {
	AmountMinor    int64
	Currency       string
	CustomerID     string
	Metadata       map[string]string
	IdempotencyKey string
}

// Intent is the processor's view of a payment.
type Intent struct {
	ID           string
	ClientSecret string
	Status       IntentStatus
	AmountMinor  int64
	Currency     string
}

// Processor is the card processor boundary.
type Processor interface {
	CreateCustomer(ctx context.Context, params CustomerParams) (string, error)
	CreateEphemeralKey(ctx context.Context, customerID string) (string, error)
	CreatePaymentIntent(ctx context.Context, params IntentParams) (*Intent, error)
	GetPaymentIntent(ctx context.Context, id string) (*Intent, error)
}

// ProcessorError carries the HTTP status of a failed processor call.
// StatusCode is 0 when the call never got a response.
type ProcessorError struct {
	Op         string
	StatusCode int
	Code       string
	Err        error
}

func (e *ProcessorError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("processor %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("processor %s: status %d: %v", e.Op, e.StatusCode, e.Err)
}

func (e *ProcessorError) Unwrap() error { return e.Err }

// Transient reports whether retrying the call could succeed.
func (e *ProcessorError) Transient() bool {
	return e.StatusCode == 0 ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= http.StatusInternalServerError
}

// isTransient treats errors without processor status as transient.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProcessorError
	if errors.As(err, &pe) {
		return pe.Transient()
	}
	return !errors.Is(err, context.Canceled)
}
