// Package pool presents several relays as one transport.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/DoyleJ11/relay4/internal/identity"
	"github.com/DoyleJ11/relay4/internal/transport"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrNoRelays = errors.New("no relays configured")

// seenLimit bounds how many envelope ids a subscription remembers for
// deduplication. Anything older that comes around again is caught by the
// session's own dedupe.
const seenLimit = 4096

type Pool struct {
	relays []transport.Transport
	log    *zap.Logger
}

var _ transport.Transport = (*Pool)(nil)

func New(log *zap.Logger, relays ...transport.Transport) *Pool {
	return &Pool{relays: relays, log: log.Named("pool")}
}

// Publish sends to every relay and succeeds when at least one accepted.
func (p *Pool) Publish(ctx context.Context, room string, envelope []byte) error {
	if len(p.relays) == 0 {
		return ErrNoRelays
	}

	var (
		mu   sync.Mutex
		errs error
		ok   int
		g    errgroup.Group
	)
	for i, relay := range p.relays {
		g.Go(func() error {
			err := relay.Publish(ctx, room, envelope)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				err = fmt.Errorf("relay %d: %w", i, err)
				errs = multierr.Append(errs, err)
				return err
			}
			ok++
			return nil
		})
	}
	// Wait reports only the first failure; errs keeps all of them.
	failed := g.Wait()

	if ok == 0 {
		return fmt.Errorf("%w: %w", transport.ErrUnreachable, errs)
	}
	if failed != nil {
		p.log.Warn("publish partially failed", zap.String("room", room), zap.Int("accepted", ok), zap.Error(errs))
	}
	return nil
}

// FetchHistory unions the history of every reachable relay, keeping each
// envelope once.
func (p *Pool) FetchHistory(ctx context.Context, room string) ([][]byte, error) {
	if len(p.relays) == 0 {
		return nil, ErrNoRelays
	}

	results := make([][][]byte, len(p.relays))
	errs := make([]error, len(p.relays))
	var g errgroup.Group
	for i, relay := range p.relays {
		g.Go(func() error {
			results[i], errs[i] = relay.FetchHistory(ctx, room)
			if errs[i] != nil {
				errs[i] = fmt.Errorf("relay %d: %w", i, errs[i])
			}
			return errs[i]
		})
	}
	failed := g.Wait()

	var (
		merged  [][]byte
		seen    = make(map[string]struct{})
		reached int
	)
	for i, history := range results {
		if errs[i] != nil {
			continue
		}
		reached++
		for _, env := range history {
			if dedupe(seen, env) {
				merged = append(merged, env)
			}
		}
	}
	if reached == 0 {
		return nil, fmt.Errorf("%w: %w", transport.ErrUnreachable, multierr.Combine(errs...))
	}
	if failed != nil {
		p.log.Warn("history partially fetched", zap.String("room", room), zap.Int("reached", reached), zap.Error(multierr.Combine(errs...)))
	}
	return merged, nil
}

// Subscribe merges every relay's stream, forwarding each envelope once, and
// folds the per-relay health into one signal.
func (p *Pool) Subscribe(ctx context.Context, room string) (*transport.Subscription, error) {
	if len(p.relays) == 0 {
		return nil, ErrNoRelays
	}

	var subs []*transport.Subscription
	var errs error
	for i, relay := range p.relays {
		sub, err := relay.Subscribe(ctx, room)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("relay %d: %w", i, err))
			continue
		}
		subs = append(subs, sub)
	}
	if len(subs) == 0 {
		return nil, fmt.Errorf("%w: %w", transport.ErrUnreachable, errs)
	}

	seen, err := lru.New[string, struct{}](seenLimit)
	if err != nil {
		return nil, err
	}
	events := make(chan []byte, 64)
	health := make(chan transport.Health, 1)
	m := &merger{
		states: make([]transport.Health, len(subs)),
		seen:   seen,
		health: health,
	}

	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for env := range sub.Events {
				if !m.first(env) {
					continue
				}
				select {
				case events <- env:
				case <-ctx.Done():
				}
			}
		}()
		go func() {
			defer wg.Done()
			for h := range sub.Health {
				m.report(i, h)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(events)
		close(health)
	}()

	return &transport.Subscription{Events: events, Health: health}, nil
}

type merger struct {
	mu     sync.Mutex
	states []transport.Health
	last   transport.Health
	seen   *lru.Cache[string, struct{}]
	health chan transport.Health
}

func (m *merger) first(env []byte) bool {
	found, _ := m.seen.ContainsOrAdd(envelopeKey(env), struct{}{})
	return !found
}

func (m *merger) report(i int, h transport.Health) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[i] = h
	agg := Aggregate(m.states)
	if agg == m.last {
		return
	}
	m.last = agg
	transport.Notify(m.health, agg)
}

// Aggregate folds relay states: any connected relay makes the pool connected.
func Aggregate(states []transport.Health) transport.Health {
	agg := transport.HealthUnreachable
	for _, h := range states {
		switch h {
		case transport.HealthConnected:
			return transport.HealthConnected
		case transport.HealthReconnecting, "":
			agg = transport.HealthReconnecting
		}
	}
	return agg
}

func dedupe(seen map[string]struct{}, env []byte) bool {
	key := envelopeKey(env)
	if _, ok := seen[key]; ok {
		return false
	}
	seen[key] = struct{}{}
	return true
}

func envelopeKey(env []byte) string {
	if parsed, err := identity.Parse(env); err == nil {
		return parsed.ID
	}
	return string(env)
}
