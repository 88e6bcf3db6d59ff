// Package game runs one room: it turns local actions into published events,
// feeds received events through the session, and notifies watchers of every
// change.
package game

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/DoyleJ11/relay4/internal/engine"
	"github.com/DoyleJ11/relay4/internal/event"
	"github.com/DoyleJ11/relay4/internal/identity"
	"github.com/DoyleJ11/relay4/internal/session"
	"github.com/DoyleJ11/relay4/internal/transport"
	"go.uber.org/zap"
)

const (
	defaultHistoryTimeout = 10 * time.Second
	defaultRetryWindow    = 2 * time.Minute
)

type Config struct {
	Room        string
	Signer      identity.Signer
	Transport   transport.Transport
	Log         *zap.Logger
	DisplayName string
	// Capacity bounds the per-issuer pending buffer of the session.
	Capacity           int
	HistoryTimeout     time.Duration
	PublishRetryWindow time.Duration
	Now                func() time.Time
}

// authored is an event this node signed, kept so a resync can re-apply it
// and republish it if the relays lost it.
type authored struct {
	event    event.GameEvent
	envelope []byte
	id       string
}

type Controller struct {
	cfg  Config
	log  *zap.Logger
	self string

	inbox     chan Msg
	outbox    chan []byte
	published chan error

	sess      *session.Manager
	submitted bool
	own       []authored
	version   int
	health    transport.Health
	syncing   bool
	// overflowed is set by a buffer overflow and cleared by the next applied
	// event; a second overflow while it is set cannot be repaired by resync.
	overflowed bool
	failure    error
	watchers   map[string]chan Snapshot

	lastActive atomic.Int64
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// New subscribes to the room and starts the controller goroutine. The first
// thing the controller does is replay the room's history, so a late joiner or
// observer starts from the same board as everyone else.
func New(parent context.Context, cfg Config) (*Controller, error) {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = session.DefaultCapacity
	}
	if cfg.HistoryTimeout <= 0 {
		cfg.HistoryTimeout = defaultHistoryTimeout
	}
	if cfg.PublishRetryWindow <= 0 {
		cfg.PublishRetryWindow = defaultRetryWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	ctx, cancel := context.WithCancel(parent)
	sub, err := cfg.Transport.Subscribe(ctx, cfg.Room)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", cfg.Room, err)
	}

	c := &Controller{
		cfg:       cfg,
		log:       cfg.Log.Named("game").With(zap.String("room", cfg.Room)),
		self:      string(cfg.Signer.PublicID()),
		inbox:     make(chan Msg, 64),
		outbox:    make(chan []byte, 256),
		published: make(chan error, 1),
		sess:      session.New(cfg.Room, cfg.Capacity),
		watchers:  make(map[string]chan Snapshot),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	c.touch()

	go c.pump(sub)
	go c.publisher()
	go c.loop()
	return c, nil
}

// Inbox exposes the controller's mailbox to the hub, websocket layer and tests.
func (c *Controller) Inbox() chan<- Msg { return c.inbox }

func (c *Controller) Room() string { return c.cfg.Room }

// Done is closed once the controller goroutine has exited.
func (c *Controller) Done() <-chan struct{} { return c.done }

func (c *Controller) LastActive() time.Time { return time.Unix(0, c.lastActive.Load()) }

func (c *Controller) touch() { c.lastActive.Store(c.cfg.Now().UnixNano()) }

func (c *Controller) loop() {
	defer close(c.done)
	c.resync()

	for {
		select {
		case <-c.ctx.Done():
			c.shutdown()
			return

		case err := <-c.published:
			c.onPublished(err)

		case m := <-c.inbox:
			switch msg := m.(type) {
			case Create:
				c.touch()
				msg.Reply <- c.create()

			case Join:
				c.touch()
				msg.Reply <- c.join()

			case SubmitMove:
				c.touch()
				msg.Reply <- c.submitMove(msg.Column)

			case Reset:
				c.touch()
				msg.Reply <- c.reset()

			case Inbound:
				c.touch()
				c.receive(msg.Envelope)

			case HealthChanged:
				c.onHealth(msg.Health)

			case Resync:
				c.resync()

			case Watch:
				// Register and send the current snapshot immediately.
				c.watchers[msg.ClientID] = msg.Outbox
				c.deliver(msg.ClientID, msg.Outbox, c.snapshot(c.sess.Board(), nil))

			case Unwatch:
				if ch, ok := c.watchers[msg.ClientID]; ok {
					close(ch)
					delete(c.watchers, msg.ClientID)
				}

			case GetState:
				msg.Reply <- c.snapshot(c.sess.Board(), nil)

			case Shutdown:
				c.shutdown()
				return
			}
		}
	}
}

func (c *Controller) shutdown() {
	for id, ch := range c.watchers {
		close(ch) // no more snapshots
		delete(c.watchers, id)
	}
	c.cancel()
}

func (c *Controller) create() error {
	if c.sess.Created() {
		return ErrRoomExists
	}
	if c.submitted {
		return ErrAlreadyJoined
	}
	err := c.commit(func(h event.Header) event.GameEvent {
		return event.RoomCreated{Header: h, DisplayName: c.cfg.DisplayName}
	})
	if err == nil {
		c.submitted = true
	}
	return err
}

func (c *Controller) join() error {
	if c.submitted || c.sess.Roster().SeatOf(c.self) != engine.SeatNone {
		return ErrAlreadyJoined
	}
	err := c.commit(func(h event.Header) event.GameEvent {
		return event.Joined{Header: h, DisplayName: c.cfg.DisplayName}
	})
	if err == nil {
		c.submitted = true
	}
	return err
}

// submitMove validates locally before anything reaches the transport.
func (c *Controller) submitMove(column int) error {
	board, roster := c.sess.Board(), c.sess.Roster()
	if c.syncing || derivePhase(c.submitted, c.sess.Created(), roster, board) != PhaseInProgress {
		return ErrSessionNotReady
	}
	seat := roster.SeatOf(c.self)
	if seat == engine.SeatNone {
		return ErrNotSeated
	}
	if board.Turn != seat {
		return ErrNotMyTurn
	}
	if _, _, err := engine.Apply(board, column, seat); err != nil {
		return err
	}
	return c.commit(func(h event.Header) event.GameEvent {
		return event.MoveMade{Header: h, Column: column}
	})
}

func (c *Controller) reset() error {
	roster := c.sess.Roster()
	if c.syncing || derivePhase(c.submitted, c.sess.Created(), roster, c.sess.Board()) != PhaseFinished {
		return ErrSessionNotReady
	}
	if roster.SeatOf(c.self) == engine.SeatNone {
		return ErrNotSeated
	}
	game := c.sess.Generation()
	return c.commit(func(h event.Header) event.GameEvent {
		return event.GameReset{Header: h, Game: game}
	})
}

// commit stamps, signs and applies a local event, then queues it for
// publishing. From here on the event is final for this node.
func (c *Controller) commit(build func(event.Header) event.GameEvent) error {
	ev := build(event.Header{
		Room:      c.cfg.Room,
		Issuer:    c.self,
		Index:     c.sess.NextIndex(c.self),
		CreatedAt: c.cfg.Now().UTC().Truncate(time.Second),
	})
	payload, err := event.Encode(ev)
	if err != nil {
		return err
	}
	envelope, err := c.cfg.Signer.Seal(payload)
	if err != nil {
		return fmt.Errorf("seal: %w", err)
	}

	res, err := c.sess.Ingest(ev)
	if err != nil {
		return err
	}
	c.own = append(c.own, authored{event: ev, envelope: envelope, id: identity.EnvelopeID(identity.PublicID(c.self), payload)})
	c.applied(res)
	c.enqueue(envelope)
	return nil
}

func (c *Controller) enqueue(envelope []byte) {
	select {
	case c.outbox <- envelope:
	case <-c.ctx.Done():
	}
}

func (c *Controller) receive(envelope []byte) {
	ev, err := decodeEnvelope(envelope)
	switch {
	case errors.Is(err, event.ErrUnknownVariant):
		c.log.Debug("skipping unknown event kind", zap.Error(err))
		return
	case err != nil:
		c.log.Warn("dropping inbound envelope", zap.Error(err))
		return
	}

	res, err := c.sess.Ingest(ev)
	switch {
	case errors.Is(err, session.ErrDuplicate):
		return
	case errors.Is(err, session.ErrDesyncSuspected):
		if c.overflowed {
			c.log.Error("pending buffer overflowed again after resync", zap.Error(err))
			c.settle(fmt.Errorf("%w: %w", ErrUnresolvableDesync, err))
			return
		}
		c.log.Warn("pending buffer overflow, resyncing", zap.Error(err))
		c.overflowed = true
		c.resync()
		return
	case err != nil:
		c.log.Debug("dropping event", zap.Error(err))
		return
	}
	c.applied(res)
}

// resync rebuilds the session from the relays' history plus everything this
// node authored, and republishes own events the relays do not have.
func (c *Controller) resync() {
	c.syncing = true
	c.broadcast(c.snapshot(c.sess.Board(), nil))

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.HistoryTimeout)
	raw, err := c.cfg.Transport.FetchHistory(ctx, c.cfg.Room)
	cancel()
	if err != nil {
		c.log.Warn("resync failed", zap.Error(err))
		c.settle(fmt.Errorf("fetch history: %w", err))
		return
	}

	stored := make(map[string]struct{}, len(raw))
	history := make([]event.GameEvent, 0, len(raw)+len(c.own))
	for _, envelope := range raw {
		if env, err := identity.Parse(envelope); err == nil {
			stored[env.ID] = struct{}{}
		}
		ev, err := decodeEnvelope(envelope)
		if err != nil {
			continue
		}
		history = append(history, ev)
	}
	for _, a := range c.own {
		history = append(history, a.event)
	}

	sess, res := session.Rebuild(c.cfg.Room, c.cfg.Capacity, history)
	c.sess = sess
	for _, a := range c.own {
		if _, ok := stored[a.id]; !ok {
			c.enqueue(a.envelope)
		}
	}
	c.log.Info("resynced", zap.Int("history", len(raw)), zap.Int("log", len(sess.Log())),
		zap.Int("pending", sess.Pending()))

	if err := c.unresolved(res); err != nil {
		c.log.Error("resync left the room inconsistent", zap.Error(err))
		c.settle(fmt.Errorf("%w: %w", ErrUnresolvableDesync, err))
		return
	}
	c.settle(nil)
}

// unresolved reports what a full rebuild could not repair: a seated player's
// event beyond any gap the history fills, or a log that does not replay to
// the board. Unplaceable events from identities without a seat are ignored.
func (c *Controller) unresolved(res session.Result) error {
	roster := c.sess.Roster()
	for _, r := range res.Rejected {
		if !errors.Is(r.Err, session.ErrDesyncSuspected) {
			continue
		}
		if roster.SeatOf(r.Event.Meta().Issuer) == engine.SeatNone {
			c.log.Debug("ignoring unplaceable event", zap.Error(r.Err))
			continue
		}
		return r.Err
	}
	return c.sess.Verify()
}

// settle ends a resync and publishes the resulting state.
func (c *Controller) settle(failure error) {
	c.syncing = false
	c.failure = failure
	c.version++
	c.broadcast(c.snapshot(c.sess.Board(), nil))
}

func (c *Controller) onHealth(h transport.Health) {
	prev := c.health
	c.health = h
	c.log.Info("transport health", zap.String("health", string(h)))
	if h == transport.HealthConnected && prev != transport.HealthConnected {
		// Whatever was published before the subscription went live only
		// exists in history.
		c.resync()
		return
	}
	c.version++
	c.broadcast(c.snapshot(c.sess.Board(), nil))
}

// onPublished only notifies watchers when the publish failure state changes.
func (c *Controller) onPublished(err error) {
	before := c.failure
	switch {
	case err != nil:
		c.failure = fmt.Errorf("publish: %w", err)
	case c.failure != nil && !errors.Is(c.failure, ErrUnresolvableDesync):
		c.failure = nil
	}
	if before == nil && c.failure == nil {
		return
	}
	c.version++
	c.broadcast(c.snapshot(c.sess.Board(), nil))
}

func (c *Controller) applied(res session.Result) {
	for _, r := range res.Rejected {
		h := r.Event.Meta()
		c.log.Info("event rejected", zap.String("kind", string(r.Event.Kind())),
			zap.String("issuer", h.Issuer), zap.Uint64("index", h.Index), zap.Error(r.Err))
	}
	if len(res.Applied) > 0 {
		c.overflowed = false
	}
	for _, a := range res.Applied {
		c.version++
		c.broadcast(c.snapshot(a.Board, a.Outcome))
	}
}

func (c *Controller) snapshot(board engine.Board, out *engine.Outcome) Snapshot {
	roster := c.sess.Roster()
	s := Snapshot{
		Version:  c.version,
		Room:     c.cfg.Room,
		Phase:    derivePhase(c.submitted, c.sess.Created(), roster, board),
		Board:    board,
		Outcome:  out,
		Roster:   roster,
		Self:     c.self,
		SelfSeat: roster.SeatOf(c.self),
		Game:     c.sess.Generation(),
		Health:   c.health,
		Syncing:  c.syncing,
		Pending:  c.sess.Pending(),
	}
	if c.failure != nil {
		s.Failure = c.failure.Error()
	}
	return s
}

func (c *Controller) broadcast(snap Snapshot) {
	for id, ch := range c.watchers {
		c.deliver(id, ch, snap)
	}
}

func (c *Controller) deliver(id string, ch chan Snapshot, snap Snapshot) {
	select {
	case ch <- snap:
		// ok
	default:
		// Watcher is slow/full - drop them.
		close(ch)
		delete(c.watchers, id)
	}
}

func (c *Controller) pump(sub *transport.Subscription) {
	events, health := sub.Events, sub.Health
	for events != nil || health != nil {
		select {
		case env, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.send(Inbound{Envelope: env})
		case h, ok := <-health:
			if !ok {
				health = nil
				continue
			}
			c.send(HealthChanged{Health: h})
		}
	}
}

func (c *Controller) send(m Msg) {
	select {
	case c.inbox <- m:
	case <-c.ctx.Done():
	}
}

// decodeEnvelope verifies the signature and makes sure the event's issuer is
// the identity that signed it.
func decodeEnvelope(envelope []byte) (event.GameEvent, error) {
	author, payload, err := identity.Open(envelope)
	if err != nil {
		return nil, err
	}
	ev, err := event.Decode(payload)
	if err != nil {
		return nil, err
	}
	if ev.Meta().Issuer != string(author) {
		return nil, fmt.Errorf("issuer %s does not match signer %s", ev.Meta().Issuer, author)
	}
	return ev, nil
}

// Stop cancels the controller and waits for its goroutine to exit.
func (c *Controller) Stop() {
	c.cancel()
	<-c.done
}
