package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/stripe/stripe-go/v82/webhook"

	"prodify/internal/config"
	"prodify/internal/types"
)

// stripeAPIBase is the default Stripe API base URL.
// Overridable in tests via StripeClientConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	Billing config.BillingConfig
	BaseURL string // override for testing; defaults to stripeAPIBase
	Logger  *slog.Logger
}

// StripeClient talks to the Stripe REST API directly through BaseClient
// rather than through the SDK's client, so all requests inherit the circuit
// breaker and retry behavior and tests can point it at an httptest server.
type StripeClient struct {
	base    *BaseClient
	billing config.BillingConfig
	baseURL string
	logger  *slog.Logger
}

// NewStripeClient creates a StripeClient.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig) *StripeClient {
	base := NewBaseClient(httpClient, "stripe", DefaultRetryPolicy(), "Prodify/1.0")
	return newStripeClient(base, cfg)
}

// NewStripeClientWithBase creates a StripeClient with a pre-configured
// BaseClient. Used by tests to control retry and breaker behavior.
func NewStripeClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	return newStripeClient(base, cfg)
}

func newStripeClient(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeClient{
		base:    base,
		billing: cfg.Billing,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
	}
}

// CreatePointsCheckoutSession starts a one-time payment-mode checkout for an
// extra-points package. The session metadata carries everything the webhook
// reconciler needs to apply the purchase; no local state is written here.
func (s *StripeClient) CreatePointsCheckoutSession(ctx context.Context, userID string, pkg types.ExtraPointsPackage) (string, error) {
	params := url.Values{}
	params.Set("mode", "payment")
	params.Set("client_reference_id", userID)
	params.Set("success_url", s.billing.CheckoutSuccessURL)
	params.Set("cancel_url", s.billing.CheckoutCancelURL)
	params.Set("metadata[type]", "points_purchase")
	params.Set("metadata[user_id]", userID)
	params.Set("metadata[package_id]", pkg.ID)
	params.Set("line_items[0][quantity]", "1")
	params.Set("line_items[0][price_data][currency]", "usd")
	params.Set("line_items[0][price_data][unit_amount]", fmt.Sprintf("%d", int64(pkg.PriceUSD*100)))
	params.Set("line_items[0][price_data][product_data][name]", fmt.Sprintf("%s (%d extra points)", pkg.Name, pkg.ExtraPoints))

	session, err := s.createSession(ctx, params, "CreatePointsCheckoutSession")
	if err != nil {
		return "", err
	}
	return session.URL, nil
}

// CreateSubscriptionCheckoutSession starts a subscription-mode checkout for
// a plan price. The price must be one of the configured plan prices.
func (s *StripeClient) CreateSubscriptionCheckoutSession(ctx context.Context, userID, priceID string) (string, error) {
	if _, ok := s.billing.PriceToPlanName(priceID); !ok {
		return "", types.NewAppError(types.ErrCodeUnknownPlan,
			fmt.Sprintf("price %q is not mapped to any plan", priceID), nil)
	}

	params := url.Values{}
	params.Set("mode", "subscription")
	params.Set("client_reference_id", userID)
	params.Set("success_url", s.billing.CheckoutSuccessURL)
	params.Set("cancel_url", s.billing.CheckoutCancelURL)
	params.Set("metadata[user_id]", userID)
	params.Set("metadata[price_id]", priceID)
	params.Set("subscription_data[metadata][user_id]", userID)
	params.Set("line_items[0][price]", priceID)
	params.Set("line_items[0][quantity]", "1")

	session, err := s.createSession(ctx, params, "CreateSubscriptionCheckoutSession")
	if err != nil {
		return "", err
	}
	return session.URL, nil
}

func (s *StripeClient) createSession(ctx context.Context, params url.Values, operation string) (*stripeCheckoutSession, error) {
	resp, err := s.doPost(ctx, "/v1/checkout/sessions", params)
	if err != nil {
		return nil, s.wrapStripeError(operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, operation)
	}

	var session stripeCheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to decode checkout session response", err)
	}
	return &session, nil
}

// doPost performs an authenticated POST with a form-encoded body.
func (s *StripeClient) doPost(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+s.billing.StripeSecretKey.Unmask())
	req.Header.Set("Stripe-Version", "2025-03-31.basil")
	return s.base.Do(req)
}

type stripeCheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// handleErrorResponse reads a Stripe error response and maps it onto the
// service error taxonomy.
func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr)
	}

	var stripeErr stripeErrorResponse
	if jsonErr := json.Unmarshal(body, &stripeErr); jsonErr != nil {
		return types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d with non-JSON body", operation, resp.StatusCode),
			jsonErr)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return types.NewAppError(types.ErrCodeUpstreamRateLimit,
			fmt.Sprintf("%s: Stripe rate limit exceeded", operation), nil)
	case resp.StatusCode >= 500:
		return types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe server error: %s", operation, stripeErr.Error.Message), nil)
	default:
		return types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe error (%d): %s", operation, resp.StatusCode, stripeErr.Error.Message), nil)
	}
}

// wrapStripeError wraps a BaseClient transport error with operation context.
// BaseClient errors already carry the right upstream code and pass through.
func (s *StripeClient) wrapStripeError(operation string, err error) error {
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(types.ErrCodeUpstreamStripe,
		fmt.Sprintf("%s: Stripe request failed: %v", operation, err), err)
}

// WebhookVerifier abstracts webhook signature checking so handler tests can
// substitute an accept-all stub.
type WebhookVerifier interface {
	Verify(payload []byte, header string, secret string) error
}

// StripeVerifier verifies the Stripe-Signature header (HMAC-SHA256 with
// timestamp tolerance) using stripe-go's webhook package.
type StripeVerifier struct{}

// Verify validates a webhook payload against the signature header and
// signing secret.
func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	return webhook.ValidatePayload(payload, header, secret)
}

var _ WebhookVerifier = (*StripeVerifier)(nil)
