package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Client performs one request/response exchange per connection.
type Client struct {
	addr       string
	timeout    time.Duration
	maxPayload int64
	dialer     net.Dialer
}

// NewClient creates a client for the worker at addr. Every exchange is
// bounded by timeout, including dialing.
func NewClient(addr string, timeout time.Duration, maxPayload int64) *Client {
	return &Client{
		addr:       addr,
		timeout:    timeout,
		maxPayload: maxPayload,
	}
}

// Addr returns the worker address.
func (c *Client) Addr() string {
	return c.addr
}

// Exchange sends payload to the worker and waits for its complete reply.
// It never retries.
func (c *Client) Exchange(ctx context.Context, payload []byte) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.addr, Classify(err))
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, Classify(err)
		}
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := Send(conn, payload); err != nil {
		return nil, fmt.Errorf("send to %s: %w", c.addr, err)
	}
	reply, err := Receive(conn, c.maxPayload)
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", c.addr, err)
	}
	return reply, nil
}
