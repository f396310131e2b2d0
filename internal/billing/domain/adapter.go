package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Event kinds recognized by the reconciler. Adapters map their provider's
// event vocabulary into these; anything else is EventIgnored (claimed and
// marked processed without side effects).
type EventKind string

const (
	EventSubscriptionStarted  EventKind = "subscription_started"
	EventInvoicePaid          EventKind = "invoice_paid"
	EventInvoicePaymentFailed EventKind = "invoice_payment_failed"
	EventSubscriptionUpdated  EventKind = "subscription_updated"
	EventSubscriptionDeleted  EventKind = "subscription_deleted"
	EventIgnored              EventKind = "ignored"
)

// WebhookEnvelope is a verified, minimally-parsed inbound event. Money-
// relevant state is never taken from it; the reconciler re-fetches the
// subscription from the provider instead.
type WebhookEnvelope struct {
	ProviderEventID string
	EventType       string
	Kind            EventKind
	SubscriptionID  string
	CustomerID      string
	Raw             []byte
}

// ProviderSubscription is the authoritative subscription object re-fetched
// from the provider API.
type ProviderSubscription struct {
	ID                 string
	CustomerID         string
	Status             string
	PriceID            string
	Interval           BillingInterval
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
}

type CheckoutSessionParams struct {
	CustomerID      string
	ProviderPriceID string
	UserID          string
	TierID          string
	BillingInterval BillingInterval
	SuccessURL      string
	CancelURL       string
}

// CustomerStore is the mapping-row lookup adapters use to keep
// GetOrCreateCustomer idempotent.
type CustomerStore interface {
	FindCustomerID(ctx context.Context, userID, provider string) (string, error)
	InsertCustomer(ctx context.Context, userID, provider, providerCustomerID string) error
}

// Adapter is the per-provider capability set. Adapters carry no cross-request
// state; they are constructed per request from injected configuration.
type Adapter interface {
	Provider() string
	GetOrCreateCustomer(ctx context.Context, userID, email string) (string, error)
	CreateCheckoutSession(ctx context.Context, params CheckoutSessionParams) (string, error)
	VerifyWebhook(ctx context.Context, payload []byte, headers http.Header) (*WebhookEnvelope, error)
	// ParseWebhook parses an already-verified payload. Replays use it to
	// reprocess stored events, which carry no signature headers.
	ParseWebhook(ctx context.Context, payload []byte) (*WebhookEnvelope, error)
	GetSubscription(ctx context.Context, providerSubscriptionID string) (*ProviderSubscription, error)
}

// AdapterConfig is the per-request construction input for adapters.
type AdapterConfig struct {
	APIKey        string
	WebhookSecret string
	APIBaseURL    string
	Customers     CustomerStore
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (Adapter, error)
}

var (
	// ErrUnsupportedProvider means the key is outside the static allowlist.
	ErrUnsupportedProvider = errors.New("unsupported_provider")
	// ErrAdapterNotImplemented means the key is allowlisted but no concrete
	// adapter is registered yet.
	ErrAdapterNotImplemented = errors.New("adapter_not_implemented")

	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrInvalidConfig    = errors.New("invalid_adapter_config")

	ErrTierNotFound  = errors.New("tier_not_found")
	ErrPriceNotFound = errors.New("price_not_found")
	ErrEventNotFound = errors.New("event_not_found")
)

// SyncError marks a reconciliation failure that must surface as a 5xx so the
// provider redelivers; it is recorded on the claimed event row.
type SyncError struct {
	Msg     string
	Context map[string]any
}

func (e *SyncError) Error() string {
	if len(e.Context) == 0 {
		return e.Msg
	}
	return fmt.Sprintf("%s %v", e.Msg, e.Context)
}

func NewSyncError(msg string, context map[string]any) *SyncError {
	return &SyncError{Msg: msg, Context: context}
}
