// Package transport provides the duplex channel to the trading terminal. The
// terminal's proprietary protocol stays behind a bridge process; this package
// speaks JSON frames to it over a websocket, or simulates the terminal
// in-process for development and tests.
package transport

import (
	"context"

	"ibgate/config"
	"ibgate/models"
)

// TerminalInfo describes the terminal a connection was established with.
type TerminalInfo struct {
	Version string
}

// Conn is one live connection to the terminal. Events() yields the ordered
// inbound stream; the channel is closed when the connection is lost or
// closed. A Conn is owned by the session manager exclusively.
type Conn interface {
	// Send transmits one request frame. It must be safe for concurrent use.
	Send(ctx context.Context, req models.Request) error

	// Events returns the inbound event stream.
	Events() <-chan models.Event

	// Close tears the connection down. Idempotent.
	Close() error
}

// Dialer opens connections to the terminal.
type Dialer interface {
	Dial(ctx context.Context, cfg config.TerminalConfig) (Conn, TerminalInfo, error)
}

// NewDialer selects the adapter for the configured terminal mode.
func NewDialer(mode string) Dialer {
	if mode == "sim" {
		return &SimDialer{}
	}
	return &WSDialer{}
}
