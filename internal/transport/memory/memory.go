// Package memory is an in-process relay used by tests and single-process demos.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/DoyleJ11/relay4/internal/transport"
	"github.com/google/uuid"
)

const subscriberBuffer = 256

// Bus is the shared relay. Each peer talks to it through its own Client.
type Bus struct {
	mu         sync.Mutex
	history    map[string][][]byte
	duplicates int
	clients    map[*Client]struct{}
}

type Option func(*Bus)

// WithDuplicates delivers every published envelope n extra times.
func WithDuplicates(n int) Option {
	return func(b *Bus) { b.duplicates = n }
}

func NewBus(opts ...Option) *Bus {
	b := &Bus{
		history: make(map[string][][]byte),
		clients: make(map[*Client]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) Client() *Client {
	c := &Client{bus: b, subs: make(map[string]*subscriber)}
	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()
	return c
}

// History returns a copy of everything published to room.
func (b *Bus) History(room string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.history[room])
}

type subscriber struct {
	room   string
	events chan []byte
	health chan transport.Health
}

// Client is one peer's connection to the bus. A paused client neither
// receives nor publishes, like a peer whose relays went away.
type Client struct {
	bus    *Bus
	paused bool
	subs   map[string]*subscriber // guarded by bus.mu
}

var _ transport.Transport = (*Client)(nil)

func (c *Client) Subscribe(ctx context.Context, room string) (*transport.Subscription, error) {
	sub := &subscriber{
		room:   room,
		events: make(chan []byte, subscriberBuffer),
		health: make(chan transport.Health, 1),
	}
	id := uuid.NewString()

	c.bus.mu.Lock()
	c.subs[id] = sub
	if c.paused {
		transport.Notify(sub.health, transport.HealthReconnecting)
	} else {
		transport.Notify(sub.health, transport.HealthConnected)
	}
	c.bus.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.bus.mu.Lock()
		delete(c.subs, id)
		close(sub.events)
		close(sub.health)
		c.bus.mu.Unlock()
	}()

	return &transport.Subscription{Events: sub.events, Health: sub.health}, nil
}

func (c *Client) Publish(ctx context.Context, room string, envelope []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := c.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.paused {
		return transport.ErrUnreachable
	}

	b.history[room] = append(b.history[room], slices.Clone(envelope))
	for client := range b.clients {
		if client.paused {
			continue
		}
		for _, sub := range client.subs {
			if sub.room != room {
				continue
			}
			for n := 0; n <= b.duplicates; n++ {
				select {
				case sub.events <- envelope:
				default:
					// Full subscriber; the resync path recovers what it lost.
				}
			}
		}
	}
	return nil
}

func (c *Client) FetchHistory(ctx context.Context, room string) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.bus.mu.Lock()
	paused := c.paused
	c.bus.mu.Unlock()
	if paused {
		return nil, transport.ErrUnreachable
	}
	return c.bus.History(room), nil
}

// Pause cuts the client off: envelopes published meanwhile are never
// delivered to it live.
func (c *Client) Pause() { c.setPaused(true) }

// Resume reconnects the client and reports it on every subscription.
func (c *Client) Resume() { c.setPaused(false) }

func (c *Client) setPaused(paused bool) {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	c.paused = paused
	h := transport.HealthConnected
	if paused {
		h = transport.HealthReconnecting
	}
	for _, sub := range c.subs {
		transport.Notify(sub.health, h)
	}
}
