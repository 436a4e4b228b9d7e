// Package rest is a venue client for a JSON-over-HTTP trading API.
//
//	POST   /session                    login (X-API-Key header)
//	GET    /markets/{symbol}/quote     current bid/ask
//	POST   /positions                  confirm an open
//	POST   /positions/{ref}/close      confirm a close
//	POST   /orders                     place a limit or stop order
//	DELETE /orders/{ref}               cancel an order
//
// Every call after login carries the session token as a bearer token. A 401
// or 403 is reported as ErrAuthRejected.
package rest

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rustyeddy/tradeengine/broker"
)

type Config struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
	// Retries applies to quote requests only. Executions are never
	// retried.
	Retries   int    `yaml:"retries"`
	UserAgent string `yaml:"user_agent"`
}

type Client struct {
	client *resty.Client
}

func New(cfg Config) (*Client, error) {
	host := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if host == "" {
		return nil, fmt.Errorf("rest venue: base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "tradeengine"
	}

	c := resty.New().
		SetBaseURL(host).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", cfg.UserAgent).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if r == nil || r.Request == nil || r.Request.Method != http.MethodGet {
				return false
			}
			return err != nil || r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		})

	return &Client{client: c}, nil
}

type apiError struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (e *apiError) text() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Error
}

type loginBody struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
	OTP        string `json:"otp,omitempty"`
}

type loginResponse struct {
	Token     string `json:"token"`
	AccountID string `json:"accountId"`
	ExpiresIn int64  `json:"expiresIn"`
}

type quoteResponse struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Time   time.Time `json:"time"`
}

type dealBody struct {
	Symbol          string  `json:"symbol"`
	Kind            string  `json:"kind,omitempty"`
	Direction       string  `json:"direction"`
	Size            float64 `json:"size"`
	Leverage        float64 `json:"leverage,omitempty"`
	Price           float64 `json:"price"`
	StopLevel       float64 `json:"stopLevel,omitempty"`
	TakeProfitLevel float64 `json:"takeProfitLevel,omitempty"`
}

type confirmation struct {
	Reference string    `json:"reference"`
	Time      time.Time `json:"time"`
}

func (c *Client) request(ctx context.Context, token string) *resty.Request {
	r := c.client.R().SetContext(ctx).SetError(&apiError{})
	if token != "" {
		r.SetAuthToken(token)
	}
	return r
}

func (c *Client) Authenticate(ctx context.Context, req broker.LoginRequest) (broker.Grant, error) {
	var out loginResponse
	resp, err := c.request(ctx, "").
		SetHeader("X-API-Key", req.APIKey).
		SetBody(loginBody{Identifier: req.Identifier, Password: req.Password, OTP: req.OTP}).
		SetResult(&out).
		Post("/session")
	if err := check("authenticate", resp, err); err != nil {
		return broker.Grant{}, err
	}
	return broker.Grant{
		Token:     out.Token,
		AccountID: out.AccountID,
		Lifetime:  time.Duration(out.ExpiresIn) * time.Second,
	}, nil
}

func (c *Client) Quote(ctx context.Context, token, symbol string) (broker.Quote, error) {
	var out quoteResponse
	resp, err := c.request(ctx, token).
		SetPathParam("symbol", symbol).
		SetResult(&out).
		Get("/markets/{symbol}/quote")
	if resp != nil && resp.StatusCode() == http.StatusNotFound {
		return broker.Quote{}, fmt.Errorf("quote: %w: %q", broker.ErrUnknownSymbol, symbol)
	}
	if err := check("quote", resp, err); err != nil {
		return broker.Quote{}, err
	}
	if out.Symbol == "" {
		out.Symbol = symbol
	}
	return broker.Quote{Symbol: out.Symbol, Bid: out.Bid, Ask: out.Ask, Time: out.Time}, nil
}

func (c *Client) ConfirmOpen(ctx context.Context, token string, req broker.OpenRequest) (broker.Confirmation, error) {
	return c.confirm(ctx, token, "confirm open", "/positions", nil, dealBody{
		Symbol:          req.Symbol,
		Direction:       req.Direction.String(),
		Size:            req.Size,
		Leverage:        req.Leverage,
		Price:           req.Price,
		StopLevel:       req.StopLevel,
		TakeProfitLevel: req.TakeProfitLevel,
	})
}

func (c *Client) ConfirmClose(ctx context.Context, token string, req broker.CloseRequest) (broker.Confirmation, error) {
	ref := req.Reference
	if ref == "" {
		ref = req.PositionID
	}
	return c.confirm(ctx, token, "confirm close", "/positions/{ref}/close", map[string]string{"ref": ref}, dealBody{
		Symbol:    req.Symbol,
		Direction: req.Direction.String(),
		Size:      req.Size,
		Price:     req.Price,
	})
}

func (c *Client) PlaceOrder(ctx context.Context, token string, req broker.PendingRequest) (broker.Confirmation, error) {
	return c.confirm(ctx, token, "place order", "/orders", nil, dealBody{
		Symbol:          req.Symbol,
		Kind:            string(req.Kind),
		Direction:       req.Direction.String(),
		Size:            req.Size,
		Leverage:        req.Leverage,
		Price:           req.Price,
		StopLevel:       req.StopLevel,
		TakeProfitLevel: req.TakeProfitLevel,
	})
}

func (c *Client) CancelOrder(ctx context.Context, token, reference string) error {
	resp, err := c.request(ctx, token).
		SetPathParam("ref", reference).
		Delete("/orders/{ref}")
	if resp != nil && resp.StatusCode() == http.StatusNotFound {
		return fmt.Errorf("cancel order: %w: %q", broker.ErrNotFound, reference)
	}
	return check("cancel order", resp, err)
}

func (c *Client) confirm(ctx context.Context, token, op, path string, params map[string]string, body dealBody) (broker.Confirmation, error) {
	var out confirmation
	r := c.request(ctx, token).SetBody(body).SetResult(&out)
	if params != nil {
		r.SetPathParams(params)
	}
	resp, err := r.Post(path)
	if err := check(op, resp, err); err != nil {
		return broker.Confirmation{}, err
	}
	if out.Reference == "" {
		return broker.Confirmation{}, fmt.Errorf("%s: %w: venue returned no reference", op, broker.ErrExecutionFailed)
	}
	return broker.Confirmation{Reference: out.Reference, Time: out.Time}, nil
}

// check maps transport errors and non-2xx responses onto the broker error
// taxonomy.
func check(op string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if resp.IsSuccess() {
		return nil
	}

	msg := ""
	if e, ok := resp.Error().(*apiError); ok {
		msg = e.text()
	}
	if msg == "" {
		msg = strings.TrimSpace(string(resp.Body()))
	}
	if msg == "" {
		msg = resp.Status()
	}

	switch resp.StatusCode() {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%s: %w", op, broker.Rejected(msg))
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w: %s", op, broker.ErrNotFound, msg)
	default:
		return fmt.Errorf("%s: %w: http %d: %s", op, broker.ErrExecutionFailed, resp.StatusCode(), msg)
	}
}
