package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/compstack/billing/internal/billing/domain"
)

// Stripe still speaks form-encoded requests on its v1 API.
const apiVersion = "2024-12-18.acacia"

type stripeCustomer struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type stripeCheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type stripeSubscription struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	Status             string `json:"status"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	Items              struct {
		Data []struct {
			Price struct {
				ID        string `json:"id"`
				Recurring struct {
					Interval string `json:"interval"`
				} `json:"recurring"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type stripeErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *Adapter) createCustomer(ctx context.Context, email, userID string) (*stripeCustomer, error) {
	form := url.Values{}
	form.Set("email", email)
	form.Set("metadata[user_id]", userID)

	var out stripeCustomer
	if err := a.do(ctx, http.MethodPost, "/v1/customers", form, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *Adapter) createCheckoutSession(ctx context.Context, params domain.CheckoutSessionParams) (*stripeCheckoutSession, error) {
	form := url.Values{}
	form.Set("mode", "subscription")
	form.Set("customer", params.CustomerID)
	form.Set("line_items[0][price]", params.ProviderPriceID)
	form.Set("line_items[0][quantity]", "1")
	form.Set("success_url", params.SuccessURL)
	form.Set("cancel_url", params.CancelURL)
	form.Set("metadata[user_id]", params.UserID)
	form.Set("metadata[tier_id]", params.TierID)
	form.Set("metadata[billing_interval]", string(params.BillingInterval))
	form.Set("subscription_data[metadata][user_id]", params.UserID)
	form.Set("subscription_data[metadata][tier_id]", params.TierID)

	var out stripeCheckoutSession
	if err := a.do(ctx, http.MethodPost, "/v1/checkout/sessions", form, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *Adapter) retrieveSubscription(ctx context.Context, id string) (*stripeSubscription, error) {
	var out stripeSubscription
	if err := a.do(ctx, http.MethodGet, "/v1/subscriptions/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *Adapter) do(ctx context.Context, method, path string, form url.Values, out any) error {
	if a.apiKey == "" {
		return domain.ErrInvalidConfig
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	req.Header.Set("Stripe-Version", apiVersion)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("stripe request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("stripe response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr stripeErrorResponse
		if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("stripe %s %s: %s", method, path, apiErr.Error.Message)
		}
		return fmt.Errorf("stripe %s %s: status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("stripe decode: %w", err)
	}
	return nil
}
