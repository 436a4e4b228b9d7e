// Package broker holds the data model shared by every part of the engine and
// the contract a remote trading venue must satisfy.
package broker

import (
	"context"
	"time"
)

// Grant is what a venue hands back from a successful login.
type Grant struct {
	Token     string
	AccountID string
	// Lifetime is how long the token is valid. Zero means the venue did not
	// say and the session manager's configured lifetime applies.
	Lifetime time.Duration
}

// LoginRequest is sent to the venue by the session manager. OTP is filled in
// when the credentials carry a TOTP secret.
type LoginRequest struct {
	Identifier string
	Password   string
	APIKey     string
	OTP        string
}

// OpenRequest asks the venue to confirm a new position.
type OpenRequest struct {
	Symbol          string
	Direction       Direction
	Size            float64
	Leverage        float64
	Price           float64
	StopLevel       float64
	TakeProfitLevel float64
}

// CloseRequest asks the venue to confirm closing an open position.
type CloseRequest struct {
	PositionID string
	Reference  string
	Symbol     string
	Direction  Direction
	Size       float64
	Price      float64
}

// PendingRequest asks the venue to accept a resting limit or stop order.
type PendingRequest struct {
	Symbol          string
	Kind            OrderKind
	Direction       Direction
	Size            float64
	Leverage        float64
	Price           float64
	StopLevel       float64
	TakeProfitLevel float64
}

// Confirmation is the venue's acknowledgement of an execution request.
type Confirmation struct {
	Reference string
	Time      time.Time
}

// Authenticator performs the remote login exchange.
type Authenticator interface {
	Authenticate(ctx context.Context, req LoginRequest) (Grant, error)
}

// Quoter fetches a current quote for a symbol.
type Quoter interface {
	Quote(ctx context.Context, token, symbol string) (Quote, error)
}

// Venue is the remote trading venue. Every call except Authenticate carries
// the session token; a venue reports an expired or unknown token with an
// error matching ErrAuthRejected.
type Venue interface {
	Authenticator
	Quoter
	ConfirmOpen(ctx context.Context, token string, req OpenRequest) (Confirmation, error)
	ConfirmClose(ctx context.Context, token string, req CloseRequest) (Confirmation, error)
	PlaceOrder(ctx context.Context, token string, req PendingRequest) (Confirmation, error)
	CancelOrder(ctx context.Context, token, reference string) error
}
