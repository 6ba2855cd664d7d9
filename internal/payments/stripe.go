package payments

import (
	"context"
	"errors"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// StripeConfig configures the Stripe processor. BaseURL overrides the API
// host and is only set in tests.
type StripeConfig struct {
	SecretKey           string
	EphemeralKeyVersion string
	BaseURL             string
}

// StripeProcessor implements Processor on the Stripe API.
type StripeProcessor struct {
	api        *client.API
	keyVersion string
}

// NewStripeProcessor creates a Stripe-backed processor. The client's own
// network retries are off; ResilientProcessor owns retrying.
func NewStripeProcessor(cfg StripeConfig) *StripeProcessor {
	url := cfg.BaseURL
	if url == "" {
		url = stripe.APIURL
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(url),
		MaxNetworkRetries: stripe.Int64(0),
	})

	api := &client.API{}
	api.Init(cfg.SecretKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend})
	return &StripeProcessor{api: api, keyVersion: cfg.EphemeralKeyVersion}
}

func (p *StripeProcessor) CreateCustomer(ctx context.Context, in CustomerParams) (string, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(in.Email),
		Name:  stripe.String(in.Name),
	}
	params.Context = ctx
	params.AddMetadata("user_id", in.UserID)
	if in.IdempotencyKey != "" {
		params.SetIdempotencyKey(in.IdempotencyKey)
	}
	c, err := p.api.Customers.New(params)
	if err != nil {
		return "", stripeError("create_customer", err)
	}
	return c.ID, nil
}

func (p *StripeProcessor) CreateEphemeralKey(ctx context.Context, customerID string) (string, error) {
	params := &stripe.EphemeralKeyParams{
		Customer:      stripe.String(customerID),
		StripeVersion: stripe.String(p.keyVersion),
	}
	params.Context = ctx
	k, err := p.api.EphemeralKeys.New(params)
	if err != nil {
		return "", stripeError("create_ephemeral_key", err)
	}
	return k.Secret, nil
}

func (p *StripeProcessor) CreatePaymentIntent(ctx context.Context, in IntentParams) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(in.AmountMinor),
		Currency: stripe.String(in.Currency),
		Customer: stripe.String(in.CustomerID),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	for k, v := range in.Metadata {
		params.AddMetadata(k, v)
	}
	if in.IdempotencyKey != "" {
		params.SetIdempotencyKey(in.IdempotencyKey)
	}
	pi, err := p.api.PaymentIntents.New(params)
	if err != nil {
		return nil, stripeError("create_payment_intent", err)
	}
	return intentFromStripe(pi), nil
}

func (p *StripeProcessor) GetPaymentIntent(ctx context.Context, id string) (*Intent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := p.api.PaymentIntents.Get(id, params)
	if err != nil {
		return nil, stripeError("get_payment_intent", err)
	}
	return intentFromStripe(pi), nil
}

func intentFromStripe(pi *stripe.PaymentIntent) *Intent {
	return &Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       IntentStatus(pi.Status),
		AmountMinor:  pi.Amount,
		Currency:     string(pi.Currency),
	}
}

func stripeError(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		return &ProcessorError{Op: op, StatusCode: se.HTTPStatusCode, Code: string(se.Code), Err: err}
	}
	return &ProcessorError{Op: op, Err: err}
}
