// Package hub keeps one game controller per room code this node takes part in.
package hub

import (
	"context"
	"errors"
	"time"

	"github.com/DoyleJ11/relay4/internal/game"
	"go.uber.org/zap"
)

var ErrRoomOpen = errors.New("room already open on this node")
var ErrHubClosed = errors.New("hub closed")

// Factory opens the controller for a room.
type Factory func(ctx context.Context, code string) (*game.Controller, error)

type HubMsg interface{ isHubMsg() }

type RoomReply struct {
	Room *game.Controller
	Err  error
}

// CreateRoom opens a controller for a code that is not open yet.
type CreateRoom struct {
	Code  string
	Reply chan RoomReply
}

type GetRoom struct {
	Code  string
	Reply chan *game.Controller // nil if not open
}

// EnsureRoom returns the open controller or opens one.
type EnsureRoom struct {
	Code  string
	Reply chan RoomReply
}

type RemoveRoom struct {
	Code string
}

type ListRooms struct {
	Reply chan []string
}

type ShutdownHub struct{}

func (CreateRoom) isHubMsg()  {}
func (GetRoom) isHubMsg()     {}
func (EnsureRoom) isHubMsg()  {}
func (RemoveRoom) isHubMsg()  {}
func (ListRooms) isHubMsg()   {}
func (ShutdownHub) isHubMsg() {}

type Hub struct {
	inbox       chan HubMsg
	rooms       map[string]*game.Controller
	open        Factory
	idleTimeout time.Duration
	log         *zap.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewHub starts the registry. A zero idleTimeout disables eviction.
func NewHub(parent context.Context, log *zap.Logger, open Factory, idleTimeout time.Duration) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:       make(chan HubMsg, 64),
		rooms:       make(map[string]*game.Controller),
		open:        open,
		idleTimeout: idleTimeout,
		log:         log.Named("hub"),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) Done() <-chan struct{} { return h.done }

func (h *Hub) loop() {
	defer close(h.done)

	var tick <-chan time.Time
	if h.idleTimeout > 0 {
		ticker := time.NewTicker(sweepInterval(h.idleTimeout))
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case now := <-tick:
			h.sweep(now)

		case m := <-h.inbox:
			switch msg := m.(type) {
			case CreateRoom:
				if h.live(msg.Code) != nil {
					msg.Reply <- RoomReply{Err: ErrRoomOpen}
					break
				}
				c, err := h.start(msg.Code)
				msg.Reply <- RoomReply{Room: c, Err: err}

			case GetRoom:
				msg.Reply <- h.live(msg.Code) // may be nil

			case EnsureRoom:
				if c := h.live(msg.Code); c != nil {
					msg.Reply <- RoomReply{Room: c}
					break
				}
				c, err := h.start(msg.Code)
				msg.Reply <- RoomReply{Room: c, Err: err}

			case RemoveRoom:
				if c := h.rooms[msg.Code]; c != nil {
					c.Stop()
					delete(h.rooms, msg.Code)
					h.log.Info("room closed", zap.String("room", msg.Code))
				}

			case ListRooms:
				codes := make([]string, 0, len(h.rooms))
				for code := range h.rooms {
					codes = append(codes, code)
				}
				msg.Reply <- codes

			case ShutdownHub:
				h.shutdown()
				return
			}
		}
	}
}

func (h *Hub) start(code string) (*game.Controller, error) {
	c, err := h.open(h.ctx, code)
	if err != nil {
		return nil, err
	}
	h.rooms[code] = c
	h.log.Info("room opened", zap.String("room", code))
	return c, nil
}

// live returns the controller for code, forgetting it if it has stopped.
func (h *Hub) live(code string) *game.Controller {
	c := h.rooms[code]
	if c == nil {
		return nil
	}
	select {
	case <-c.Done():
		delete(h.rooms, code)
		return nil
	default:
		return c
	}
}

func (h *Hub) sweep(now time.Time) {
	for code, c := range h.rooms {
		if h.live(code) == nil {
			continue
		}
		if now.Sub(c.LastActive()) < h.idleTimeout {
			continue
		}
		c.Stop()
		delete(h.rooms, code)
		h.log.Info("room evicted", zap.String("room", code), zap.Time("last_active", c.LastActive()))
	}
}

func (h *Hub) shutdown() {
	for _, c := range h.rooms {
		c.Stop()
	}
	clear(h.rooms)
	h.cancel()
}

func sweepInterval(idle time.Duration) time.Duration {
	return max(idle/4, 10*time.Millisecond)
}

// Ensure is a convenience wrapper around EnsureRoom.
func (h *Hub) Ensure(ctx context.Context, code string) (*game.Controller, error) {
	reply := make(chan RoomReply, 1)
	if err := h.send(ctx, EnsureRoom{Code: code, Reply: reply}); err != nil {
		return nil, err
	}
	return wait(ctx, h, reply)
}

func (h *Hub) Create(ctx context.Context, code string) (*game.Controller, error) {
	reply := make(chan RoomReply, 1)
	if err := h.send(ctx, CreateRoom{Code: code, Reply: reply}); err != nil {
		return nil, err
	}
	return wait(ctx, h, reply)
}

func (h *Hub) Get(ctx context.Context, code string) (*game.Controller, error) {
	reply := make(chan *game.Controller, 1)
	if err := h.send(ctx, GetRoom{Code: code, Reply: reply}); err != nil {
		return nil, err
	}
	select {
	case c := <-reply:
		return c, nil
	case <-h.done:
		return nil, ErrHubClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Hub) send(ctx context.Context, m HubMsg) error {
	select {
	case h.inbox <- m:
		return nil
	case <-h.done:
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func wait(ctx context.Context, h *Hub, reply chan RoomReply) (*game.Controller, error) {
	select {
	case r := <-reply:
		return r.Room, r.Err
	case <-h.done:
		return nil, ErrHubClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
