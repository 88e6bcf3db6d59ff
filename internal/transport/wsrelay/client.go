// Package wsrelay talks to a single relay over a websocket.
package wsrelay

import (
	"context"
	"fmt"
	"time"

	"github.com/DoyleJ11/relay4/internal/transport"
	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultTimeout = 10 * time.Second
	readLimit      = 1 << 20
	// consecutive failed connection attempts before a relay counts as unreachable
	unreachableAfter = 3
)

type Client struct {
	url      string
	log      *zap.Logger
	timeout  time.Duration
	minRetry time.Duration
	maxRetry time.Duration
}

var _ transport.Transport = (*Client)(nil)

type Option func(*Client)

// WithTimeout bounds dialing and each request/response exchange.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithRetry sets the reconnect backoff range of subscriptions.
func WithRetry(initial, ceiling time.Duration) Option {
	return func(c *Client) { c.minRetry, c.maxRetry = initial, ceiling }
}

func New(url string, log *zap.Logger, opts ...Option) *Client {
	c := &Client{
		url:      url,
		log:      log.Named("wsrelay").With(zap.String("relay", url)),
		timeout:  defaultTimeout,
		minRetry: 250 * time.Millisecond,
		maxRetry: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, _, err := websocket.Dial(dctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", transport.ErrUnreachable, c.url, err)
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

func (c *Client) Publish(ctx context.Context, room string, envelope []byte) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "published")

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := wsjson.Write(ctx, conn, Frame{Type: FramePublish, Room: room, Envelope: envelope}); err != nil {
		return fmt.Errorf("%w: write: %v", transport.ErrUnreachable, err)
	}
	var reply Frame
	if err := wsjson.Read(ctx, conn, &reply); err != nil {
		return fmt.Errorf("%w: read: %v", transport.ErrUnreachable, err)
	}
	if reply.Type == FrameError {
		return fmt.Errorf("%w: %s: %s", transport.ErrRejected, c.url, reply.Error)
	}
	return nil
}

func (c *Client) FetchHistory(ctx context.Context, room string) ([][]byte, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "history done")

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	subID := uuid.NewString()
	if err := wsjson.Write(ctx, conn, Frame{Type: FrameHistory, Room: room, SubID: subID}); err != nil {
		return nil, fmt.Errorf("%w: write: %v", transport.ErrUnreachable, err)
	}

	var history [][]byte
	for {
		var f Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return nil, fmt.Errorf("%w: read: %v", transport.ErrUnreachable, err)
		}
		switch f.Type {
		case FrameEvent:
			if f.SubID == subID {
				history = append(history, f.Envelope)
			}
		case FrameEOSE:
			return history, nil
		case FrameError:
			return nil, fmt.Errorf("relay %s: %s", c.url, f.Error)
		}
	}
}

// Subscribe keeps a live subscription open, reconnecting with exponential
// backoff whenever the connection drops.
func (c *Client) Subscribe(ctx context.Context, room string) (*transport.Subscription, error) {
	events := make(chan []byte, 64)
	health := make(chan transport.Health, 1)
	go c.run(ctx, room, events, health)
	return &transport.Subscription{Events: events, Health: health}, nil
}

func (c *Client) run(ctx context.Context, room string, events chan<- []byte, health chan transport.Health) {
	defer close(events)
	defer close(health)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.minRetry
	bo.MaxInterval = c.maxRetry

	failures := 0
	for {
		connected, err := c.stream(ctx, room, events, health)
		if ctx.Err() != nil {
			return
		}
		if connected {
			failures = 0
			bo.Reset()
		}
		failures++
		if failures >= unreachableAfter {
			transport.Notify(health, transport.HealthUnreachable)
		} else {
			transport.Notify(health, transport.HealthReconnecting)
		}

		wait := bo.NextBackOff()
		c.log.Warn("subscription dropped", zap.String("room", room), zap.Int("failures", failures),
			zap.Duration("retry_in", wait), zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// stream runs one connection. Health turns Connected only once the relay has
// acknowledged the subscription, so history fetched after that point cannot
// miss an event the subscription also misses.
func (c *Client) stream(ctx context.Context, room string, events chan<- []byte, health chan transport.Health) (bool, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return false, err
	}
	defer conn.CloseNow()

	subID := uuid.NewString()
	if err := wsjson.Write(ctx, conn, Frame{Type: FrameSubscribe, Room: room, SubID: subID}); err != nil {
		return false, err
	}

	ackCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	acked := false
	for {
		readCtx := ctx
		if !acked {
			readCtx = ackCtx
		}
		var f Frame
		if err := wsjson.Read(readCtx, conn, &f); err != nil {
			return acked, err
		}
		if f.SubID != subID {
			continue
		}
		switch f.Type {
		case FrameOK:
			if !acked {
				acked = true
				transport.Notify(health, transport.HealthConnected)
				c.log.Debug("subscribed", zap.String("room", room), zap.String("sub_id", subID))
			}
		case FrameError:
			return acked, fmt.Errorf("%w: %s: %s", transport.ErrRejected, c.url, f.Error)
		case FrameEvent:
			select {
			case events <- f.Envelope:
			case <-ctx.Done():
				return acked, ctx.Err()
			}
		}
	}
}
