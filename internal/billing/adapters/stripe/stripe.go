package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/compstack/billing/internal/billing/domain"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return "stripe"
}

func (f *Factory) NewAdapter(cfg domain.AdapterConfig) (domain.Adapter, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	webhookSecret := strings.TrimSpace(cfg.WebhookSecret)
	if apiKey == "" && webhookSecret == "" {
		return nil, domain.ErrInvalidConfig
	}

	baseURL := strings.TrimRight(cfg.APIBaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.stripe.com"
	}

	return &Adapter{
		apiKey:        apiKey,
		webhookSecret: webhookSecret,
		baseURL:       baseURL,
		customers:     cfg.Customers,
		httpClient:    &http.Client{Timeout: 15 * time.Second},
	}, nil
}

type Adapter struct {
	apiKey        string
	webhookSecret string
	baseURL       string
	customers     domain.CustomerStore
	httpClient    *http.Client
}

func (a *Adapter) Provider() string { return "stripe" }

// GetOrCreateCustomer looks up the mapping row first and only calls the
// Stripe API (and inserts a mapping row) on a miss.
func (a *Adapter) GetOrCreateCustomer(ctx context.Context, userID, email string) (string, error) {
	if a.customers == nil {
		return "", domain.ErrInvalidConfig
	}

	existing, err := a.customers.FindCustomerID(ctx, userID, "stripe")
	if err != nil {
		return "", err
	}
	if existing != "" {
		return existing, nil
	}

	customer, err := a.createCustomer(ctx, email, userID)
	if err != nil {
		return "", err
	}

	if err := a.customers.InsertCustomer(ctx, userID, "stripe", customer.ID); err != nil {
		return "", fmt.Errorf("insert billing customer mapping: %w", err)
	}
	return customer.ID, nil
}

func (a *Adapter) CreateCheckoutSession(ctx context.Context, params domain.CheckoutSessionParams) (string, error) {
	session, err := a.createCheckoutSession(ctx, params)
	if err != nil {
		return "", err
	}
	if session.URL == "" {
		return "", errors.New("stripe checkout session has no redirect url")
	}
	return session.URL, nil
}

func (a *Adapter) VerifyWebhook(ctx context.Context, payload []byte, headers http.Header) (*domain.WebhookEnvelope, error) {
	if a.webhookSecret == "" {
		return nil, domain.ErrInvalidConfig
	}

	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return nil, domain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return nil, domain.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	valid := false
	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			valid = true
			break
		}
	}
	if !valid {
		return nil, domain.ErrInvalidSignature
	}

	return parseEnvelope(payload)
}

func (a *Adapter) ParseWebhook(ctx context.Context, payload []byte) (*domain.WebhookEnvelope, error) {
	return parseEnvelope(payload)
}

func (a *Adapter) GetSubscription(ctx context.Context, providerSubscriptionID string) (*domain.ProviderSubscription, error) {
	sub, err := a.retrieveSubscription(ctx, providerSubscriptionID)
	if err != nil {
		return nil, err
	}

	out := &domain.ProviderSubscription{
		ID:                 sub.ID,
		CustomerID:         sub.Customer,
		Status:             sub.Status,
		Interval:           domain.IntervalMonthly,
		CurrentPeriodStart: time.Unix(sub.CurrentPeriodStart, 0).UTC(),
		CurrentPeriodEnd:   time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
	}
	if len(sub.Items.Data) > 0 {
		out.PriceID = sub.Items.Data[0].Price.ID
		if sub.Items.Data[0].Price.Recurring.Interval == "year" {
			out.Interval = domain.IntervalYearly
		}
	}
	return out, nil
}

type stripeEvent struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripeCheckoutObject struct {
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
}

type stripeSubscriptionObject struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
}

type stripeInvoiceObject struct {
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
}

func parseEnvelope(payload []byte) (*domain.WebhookEnvelope, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, domain.ErrInvalidPayload
	}

	envelope := &domain.WebhookEnvelope{
		ProviderEventID: event.ID,
		EventType:       event.Type,
		Kind:            domain.EventIgnored,
		Raw:             payload,
	}

	switch strings.TrimSpace(event.Type) {
	case "checkout.session.completed":
		var object stripeCheckoutObject
		if err := json.Unmarshal(event.Data.Object, &object); err != nil {
			return nil, domain.ErrInvalidPayload
		}
		envelope.Kind = domain.EventSubscriptionStarted
		envelope.SubscriptionID = object.Subscription
		envelope.CustomerID = object.Customer
	case "customer.subscription.created":
		var object stripeSubscriptionObject
		if err := json.Unmarshal(event.Data.Object, &object); err != nil {
			return nil, domain.ErrInvalidPayload
		}
		envelope.Kind = domain.EventSubscriptionStarted
		envelope.SubscriptionID = object.ID
		envelope.CustomerID = object.Customer
	case "invoice.paid", "invoice.payment_failed":
		var object stripeInvoiceObject
		if err := json.Unmarshal(event.Data.Object, &object); err != nil {
			return nil, domain.ErrInvalidPayload
		}
		if event.Type == "invoice.paid" {
			envelope.Kind = domain.EventInvoicePaid
		} else {
			envelope.Kind = domain.EventInvoicePaymentFailed
		}
		envelope.SubscriptionID = object.Subscription
		envelope.CustomerID = object.Customer
	case "customer.subscription.updated", "customer.subscription.deleted":
		var object stripeSubscriptionObject
		if err := json.Unmarshal(event.Data.Object, &object); err != nil {
			return nil, domain.ErrInvalidPayload
		}
		if event.Type == "customer.subscription.updated" {
			envelope.Kind = domain.EventSubscriptionUpdated
		} else {
			envelope.Kind = domain.EventSubscriptionDeleted
		}
		envelope.SubscriptionID = object.ID
		envelope.CustomerID = object.Customer
	}

	return envelope, nil
}

func parseSignatureHeader(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}
