package game

import (
	"context"

	"github.com/DoyleJ11/relay4/internal/transport"
)

type Msg interface{ isGameMsg() }

// Create publishes RoomCreated; the local identity becomes seat one.
type Create struct{ Reply chan error }

// Join publishes Joined; seat two goes to the first joiner in log order.
type Join struct{ Reply chan error }

type SubmitMove struct {
	Column int
	Reply  chan error
}

type Reset struct{ Reply chan error }

// Inbound carries one envelope from the transport.
type Inbound struct{ Envelope []byte }

type HealthChanged struct{ Health transport.Health }

// Resync rebuilds the board from the room's full history.
type Resync struct{}

type Watch struct {
	ClientID string
	Outbox   chan Snapshot // receives the current snapshot, then every change
}

type Unwatch struct{ ClientID string }

type GetState struct{ Reply chan Snapshot }

type Shutdown struct{}

func (Create) isGameMsg()        {}
func (Join) isGameMsg()          {}
func (SubmitMove) isGameMsg()    {}
func (Reset) isGameMsg()         {}
func (Inbound) isGameMsg()       {}
func (HealthChanged) isGameMsg() {}
func (Resync) isGameMsg()        {}
func (Watch) isGameMsg()         {}
func (Unwatch) isGameMsg()       {}
func (GetState) isGameMsg()      {}
func (Shutdown) isGameMsg()      {}

// request sends a message carrying reply and waits for the answer.
func request[T any](ctx context.Context, c *Controller, m Msg, reply chan T) (T, error) {
	var zero T
	select {
	case c.inbox <- m:
	case <-c.done:
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	select {
	case v := <-reply:
		return v, nil
	case <-c.done:
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func ask(ctx context.Context, c *Controller, m Msg, reply chan error) error {
	err, sendErr := request(ctx, c, m, reply)
	if sendErr != nil {
		return sendErr
	}
	return err
}

func (c *Controller) Create(ctx context.Context) error {
	reply := make(chan error, 1)
	return ask(ctx, c, Create{Reply: reply}, reply)
}

func (c *Controller) Join(ctx context.Context) error {
	reply := make(chan error, 1)
	return ask(ctx, c, Join{Reply: reply}, reply)
}

func (c *Controller) SubmitMove(ctx context.Context, column int) error {
	reply := make(chan error, 1)
	return ask(ctx, c, SubmitMove{Column: column, Reply: reply}, reply)
}

func (c *Controller) Reset(ctx context.Context) error {
	reply := make(chan error, 1)
	return ask(ctx, c, Reset{Reply: reply}, reply)
}

func (c *Controller) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	return request(ctx, c, GetState{Reply: reply}, reply)
}
