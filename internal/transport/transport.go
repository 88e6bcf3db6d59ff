//go:generate go run go.uber.org/mock/mockgen -source=transport.go -destination=transportmock/mock_transport.go -package=transportmock

// Package transport is the boundary to the relay network. Relays are treated
// as one unordered, at-least-once channel of opaque envelopes.
package transport

import (
	"context"
	"errors"
)

var ErrUnreachable = errors.New("relay unreachable")

// ErrRejected means a relay answered but refused the envelope; retrying will not help.
var ErrRejected = errors.New("relay rejected envelope")

type Health string

const (
	HealthConnected    Health = "connected"
	HealthReconnecting Health = "reconnecting"
	HealthUnreachable  Health = "unreachable"
)

// Subscription delivers envelopes for one room until its context ends, then
// closes both channels. Health reports connectivity changes; after a
// reconnect the stream may have missed envelopes.
type Subscription struct {
	Events <-chan []byte
	Health <-chan Health
}

type Transport interface {
	Subscribe(ctx context.Context, room string) (*Subscription, error)
	Publish(ctx context.Context, room string, envelope []byte) error
	FetchHistory(ctx context.Context, room string) ([][]byte, error)
}

// Notify sends h without blocking. When the channel is full the oldest unread
// state is discarded, so the consumer always ends up seeing the latest one.
func Notify(ch chan Health, h Health) {
	for {
		select {
		case ch <- h:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
