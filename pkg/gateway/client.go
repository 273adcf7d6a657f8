package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/dmitrymomot/tokenbill/pkg/billingperiod"
	"github.com/dmitrymomot/tokenbill/pkg/logger"
)

// SubscriptionRequest creates a recurring charge on a saved card token.
type SubscriptionRequest struct {
	Token       string
	AccountID   string
	Email       string
	Description string
	Amount      int64 // minor units
	Currency    string
	StartDate   time.Time
	Unit        billingperiod.Unit
	Count       int
}

// Subscription is the gateway's view of a recurring charge.
type Subscription struct {
	ID                  string
	Status              string
	NextTransactionDate time.Time
}

// Client calls the gateway REST API. Calls are rate limited, retried on
// transport and 5xx failures, and guarded by a circuit breaker.
type Client struct {
	cfg     Config
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
	breaker *CircuitBreaker
	backoff BackoffStrategy
	log     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

func WithBackoff(b BackoffStrategy) ClientOption {
	return func(cl *Client) {
		if b != nil {
			cl.backoff = b
		}
	}
}

func WithCircuitBreaker(cb *CircuitBreaker) ClientOption {
	return func(cl *Client) { cl.breaker = cb }
}

func WithLogger(l *slog.Logger) ClientOption {
	return func(cl *Client) {
		if l != nil {
			cl.log = l
		}
	}
}

// NewClient validates credentials and returns a client.
func NewClient(cfg Config, opts ...ClientOption) (*Client, error) {
	if cfg.PublicID == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("%w: public id and api secret are required", ErrInvalidConfiguration)
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Host == "" || (base.Scheme != "https" && base.Scheme != "http") {
		return nil, fmt.Errorf("%w: base url %q", ErrInvalidConfiguration, cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}

	c := &Client{
		cfg:     cfg,
		base:    base,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, max(1, int(cfg.RatePerSecond))),
		breaker: NewCircuitBreaker(5, 2, 30*time.Second),
		backoff: DefaultBackoffStrategy(),
		log:     logger.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// VoidPayment cancels an authorized but unsettled payment, such as the trial hold.
func (c *Client) VoidPayment(ctx context.Context, transactionID string) error {
	return c.call(ctx, "/payments/void", map[string]any{"TransactionId": numericOrString(transactionID)}, nil)
}

// CreateSubscription schedules recurring charges on req.Token starting at req.StartDate.
func (c *Client) CreateSubscription(ctx context.Context, req SubscriptionRequest) (Subscription, error) {
	interval, period := Interval(req.Unit, req.Count)
	body := map[string]any{
		"Token":               req.Token,
		"AccountId":           req.AccountID,
		"Description":         req.Description,
		"Amount":              json.Number(FormatAmount(req.Amount)),
		"Currency":            req.Currency,
		"RequireConfirmation": false,
		"StartDate":           req.StartDate.UTC().Format(time.RFC3339),
		"Interval":            interval,
		"Period":              period,
	}
	if req.Email != "" {
		body["Email"] = req.Email
	}

	var model struct {
		ID                     string `json:"Id"`
		Status                 string `json:"Status"`
		NextTransactionDateIso string `json:"NextTransactionDateIso"`
	}
	if err := c.call(ctx, "/subscriptions/create", body, &model); err != nil {
		return Subscription{}, err
	}
	if model.ID == "" {
		return Subscription{}, fmt.Errorf("%w: subscription id missing in response", ErrRequestFailed)
	}
	sub := Subscription{ID: model.ID, Status: model.Status}
	if model.NextTransactionDateIso != "" {
		if t, err := time.Parse("2006-01-02T15:04:05", model.NextTransactionDateIso); err == nil {
			sub.NextTransactionDate = t.UTC()
		}
	}
	return sub, nil
}

// CancelSubscription stops future charges of a gateway subscription.
func (c *Client) CancelSubscription(ctx context.Context, subscriptionID string) error {
	return c.call(ctx, "/subscriptions/cancel", map[string]any{"Id": subscriptionID}, nil)
}

// Interval maps a billing period to the gateway's Interval/Period pair.
// The API has no yearly interval, so annual periods become 12 months.
func Interval(unit billingperiod.Unit, count int) (string, int) {
	count = max(count, 1)
	switch unit {
	case billingperiod.Day:
		return "Day", count
	case billingperiod.Annual:
		return "Month", 12 * count
	default:
		return "Month", count
	}
}

type envelope struct {
	Success bool            `json:"Success"`
	Message string          `json:"Message"`
	Model   json.RawMessage `json:"Model"`
}

func (c *Client) call(ctx context.Context, path string, body, model any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: marshal request: %w", ErrRequestFailed, err)
	}
	if c.breaker != nil && !c.breaker.Allow() {
		return ErrCircuitOpen
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(ErrRequestFailed, ctx.Err())
			case <-time.After(c.backoff.NextInterval(attempt)):
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return errors.Join(ErrRequestFailed, err)
		}

		env, retryable, err := c.attempt(ctx, path, payload)
		if c.breaker != nil {
			if err != nil && retryable {
				c.breaker.RecordFailure()
			} else {
				c.breaker.RecordSuccess()
			}
		}
		if err == nil {
			if !env.Success {
				return fmt.Errorf("%w: %s: %s", ErrRejected, path, env.Message)
			}
			if model != nil && len(env.Model) > 0 && string(env.Model) != "null" {
				if err := json.Unmarshal(env.Model, model); err != nil {
					return fmt.Errorf("%w: decode model: %w", ErrRequestFailed, err)
				}
			}
			return nil
		}

		lastErr = err
		c.log.WarnContext(ctx, "gateway api call failed",
			slog.String("path", path), logger.RetryCount(attempt), logger.Error(err))
		if !retryable {
			break
		}
	}
	return fmt.Errorf("%w: %s: %w", ErrRequestFailed, path, lastErr)
}

func (c *Client) attempt(ctx context.Context, path string, payload []byte) (envelope, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.String()+path, bytes.NewReader(payload))
	if err != nil {
		return envelope{}, false, err
	}
	req.SetBasicAuth(c.cfg.PublicID, c.cfg.APISecret)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return envelope{}, ctx.Err() == nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return envelope{}, true, fmt.Errorf("status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return envelope{}, false, fmt.Errorf("status %d", resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return envelope{}, false, fmt.Errorf("decode response: %w", err)
	}
	return env, false, nil
}

func numericOrString(id string) any {
	if _, err := strconv.ParseInt(id, 10, 64); err == nil {
		return json.Number(id)
	}
	return id
}
