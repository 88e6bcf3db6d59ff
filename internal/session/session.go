// Package session turns the unordered, duplicated event stream of a room into
// one canonical log that every peer derives identically.
package session

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"github.com/DoyleJ11/relay4/internal/engine"
	"github.com/DoyleJ11/relay4/internal/event"
)

var ErrRoomMismatch = errors.New("event belongs to another room")
var ErrDuplicate = errors.New("duplicate event")
var ErrDesyncSuspected = errors.New("desync suspected")
var ErrSeatConflict = errors.New("seat already taken")
var ErrNotSeated = errors.New("issuer holds no seat")
var ErrUnexpectedEvent = errors.New("unexpected event")
var ErrStaleReset = errors.New("reset for an earlier game")
var ErrReplayMismatch = errors.New("log does not replay to the board")

// DefaultCapacity bounds how many out-of-order events are buffered per issuer.
const DefaultCapacity = 16

// Applied is one event accepted into the log together with the board it produced.
type Applied struct {
	Event   event.GameEvent
	Board   engine.Board
	Outcome *engine.Outcome // set for moves only
}

// Rejection is an event whose index was consumed without changing the board.
type Rejection struct {
	Event event.GameEvent
	Err   error
}

type Result struct {
	Applied  []Applied
	Rejected []Rejection
}

func (r *Result) merge(o Result) {
	r.Applied = append(r.Applied, o.Applied...)
	r.Rejected = append(r.Rejected, o.Rejected...)
}

type verdict int

const (
	hold verdict = iota
	accept
	reject
)

type Manager struct {
	room       string
	capacity   int
	created    bool
	roster     Roster
	board      engine.Board
	generation uint64
	next       map[string]uint64
	pending    map[string]map[uint64]event.GameEvent
	log        []event.GameEvent
}

func New(room string, capacity int) *Manager {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Manager{
		room:     room,
		capacity: capacity,
		board:    engine.NewBoard(),
		next:     make(map[string]uint64),
		pending:  make(map[string]map[uint64]event.GameEvent),
	}
}

// Ingest buffers ev and applies everything that has become applicable.
// Duplicates return ErrDuplicate and change nothing. An index too far ahead of
// the issuer's sequence returns ErrDesyncSuspected and the caller is expected
// to resync; once the room exists, such an event from an identity holding no
// seat is dropped with ErrNotSeated instead, since it can never be applied.
func (m *Manager) Ingest(ev event.GameEvent) (Result, error) {
	h := ev.Meta()
	if h.Room != m.room {
		return Result{}, fmt.Errorf("%w: %q", ErrRoomMismatch, h.Room)
	}

	next := m.next[h.Issuer]
	queue := m.pending[h.Issuer]
	if h.Index < next {
		return Result{}, ErrDuplicate
	}
	if _, ok := queue[h.Index]; ok {
		return Result{}, ErrDuplicate
	}
	if h.Index >= next+uint64(m.capacity) {
		if m.created && m.roster.SeatOf(h.Issuer) == engine.SeatNone {
			return Result{}, fmt.Errorf("%w: issuer %s sent index %d while %d is expected",
				ErrNotSeated, short(h.Issuer), h.Index, next)
		}
		return Result{}, fmt.Errorf("%w: issuer %s sent index %d while %d is expected",
			ErrDesyncSuspected, short(h.Issuer), h.Index, next)
	}

	if queue == nil {
		queue = make(map[uint64]event.GameEvent)
		m.pending[h.Issuer] = queue
	}
	queue[h.Index] = ev
	return m.drain(), nil
}

// drain repeatedly applies the first admissible head until none is left.
func (m *Manager) drain() Result {
	var res Result
	for {
		progressed := false
		for _, ev := range m.heads() {
			applied, v, err := m.step(ev)
			if v == hold {
				continue
			}
			m.consume(ev)
			if v == reject {
				res.Rejected = append(res.Rejected, Rejection{Event: ev, Err: err})
			} else {
				m.log = append(m.log, ev)
				res.Applied = append(res.Applied, applied)
			}
			progressed = true
			break
		}
		if !progressed {
			return res
		}
	}
}

// heads returns each issuer's next expected event, ordered by (index, issuer).
func (m *Manager) heads() []event.GameEvent {
	heads := make([]event.GameEvent, 0, len(m.pending))
	for issuer, queue := range m.pending {
		if ev, ok := queue[m.next[issuer]]; ok {
			heads = append(heads, ev)
		}
	}
	slices.SortFunc(heads, func(a, b event.GameEvent) int {
		ha, hb := a.Meta(), b.Meta()
		if c := cmp.Compare(ha.Index, hb.Index); c != 0 {
			return c
		}
		return cmp.Compare(ha.Issuer, hb.Issuer)
	})
	return heads
}

func (m *Manager) consume(ev event.GameEvent) {
	h := ev.Meta()
	queue := m.pending[h.Issuer]
	delete(queue, h.Index)
	if len(queue) == 0 {
		delete(m.pending, h.Issuer)
	}
	m.next[h.Issuer] = h.Index + 1
}

// step decides what to do with one head event and applies it when accepted.
func (m *Manager) step(ev event.GameEvent) (Applied, verdict, error) {
	h := ev.Meta()

	if created, ok := ev.(event.RoomCreated); ok {
		if m.created {
			if h.Issuer == m.roster.One.ID {
				return Applied{}, reject, ErrUnexpectedEvent
			}
			m.roster.observe(h.Issuer, created.DisplayName)
			return Applied{}, reject, ErrSeatConflict
		}
		m.created = true
		m.roster.One = Participant{ID: h.Issuer, Seat: engine.SeatOne, DisplayName: created.DisplayName, JoinedAt: h.CreatedAt}
		return m.accepted(ev, nil), accept, nil
	}

	// Nothing else can be placed before the room exists.
	if !m.created {
		return Applied{}, hold, nil
	}

	switch e := ev.(type) {
	case event.Joined:
		switch {
		case h.Issuer == m.roster.One.ID || h.Issuer == m.roster.Two.ID:
			return Applied{}, reject, ErrUnexpectedEvent
		case m.roster.Two.ID == "":
			m.roster.Two = Participant{ID: h.Issuer, Seat: engine.SeatTwo, DisplayName: e.DisplayName, JoinedAt: h.CreatedAt}
			m.roster.dropObserver(h.Issuer)
			return m.accepted(ev, nil), accept, nil
		default:
			m.roster.observe(h.Issuer, e.DisplayName)
			return Applied{}, reject, ErrSeatConflict
		}

	case event.MoveMade:
		seat := m.roster.SeatOf(h.Issuer)
		if seat == engine.SeatNone {
			return Applied{}, reject, ErrNotSeated
		}
		// Held, not rejected: the event that unblocks it may still be in flight.
		if !m.roster.Complete() || m.board.Finished() || seat != m.board.Turn {
			return Applied{}, hold, nil
		}
		next, out, err := engine.Apply(m.board, e.Column, seat)
		if err != nil {
			return Applied{}, reject, err
		}
		m.board = next
		return m.accepted(ev, &out), accept, nil

	case event.GameReset:
		if m.roster.SeatOf(h.Issuer) == engine.SeatNone {
			return Applied{}, reject, ErrNotSeated
		}
		switch {
		case e.Game < m.generation:
			return Applied{}, reject, ErrStaleReset
		case e.Game > m.generation || !m.board.Finished():
			return Applied{}, hold, nil
		}
		m.generation++
		m.board = engine.NewBoard()
		return m.accepted(ev, nil), accept, nil
	}

	return Applied{}, reject, ErrUnexpectedEvent
}

func (m *Manager) accepted(ev event.GameEvent, out *engine.Outcome) Applied {
	return Applied{Event: ev, Board: m.board, Outcome: out}
}

func (m *Manager) Room() string        { return m.room }
func (m *Manager) Created() bool       { return m.created }
func (m *Manager) Board() engine.Board { return m.board }
func (m *Manager) Roster() Roster      { return m.roster.clone() }

// Generation counts applied resets; the first game of a room is generation 0.
func (m *Manager) Generation() uint64 { return m.generation }

// Log returns the canonical applied order.
func (m *Manager) Log() []event.GameEvent { return slices.Clone(m.log) }

// Pending reports how many received events are still waiting.
func (m *Manager) Pending() int {
	n := 0
	for _, queue := range m.pending {
		n += len(queue)
	}
	return n
}

// NextIndex returns the index issuer should stamp on its next event.
func (m *Manager) NextIndex(issuer string) uint64 {
	n := m.next[issuer]
	for idx := range m.pending[issuer] {
		if idx >= n {
			n = idx + 1
		}
	}
	return n
}

// Rebuild replays a complete history, in the order the relays returned it,
// into a fresh manager. Duplicates and events for other rooms are skipped.
// The history is finite, so the gap window is widened to its length while
// replaying; an event still beyond it can never be placed and is reported in
// Result.Rejected with ErrDesyncSuspected instead of failing the whole room.
func Rebuild(room string, capacity int, history []event.GameEvent) (*Manager, Result) {
	m := New(room, max(capacity, len(history)))
	var res Result
	for _, ev := range history {
		r, err := m.Ingest(ev)
		switch {
		case errors.Is(err, ErrDesyncSuspected), errors.Is(err, ErrNotSeated):
			res.Rejected = append(res.Rejected, Rejection{Event: ev, Err: err})
			continue
		case err != nil:
			continue
		}
		res.merge(r)
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	m.capacity = capacity
	return m, res
}

// Verify replays the current game's moves from the log and checks that they
// alternate seats and reproduce the board.
func (m *Manager) Verify() error {
	var moves []engine.Move
	for _, ev := range m.log {
		switch e := ev.(type) {
		case event.GameReset:
			moves = moves[:0]
		case event.MoveMade:
			seat := m.roster.SeatOf(e.Issuer)
			if want := engine.SeatForMove(len(moves)); seat != want {
				return fmt.Errorf("%w: move %d of game %d came from seat %v", ErrReplayMismatch, len(moves), m.generation, seat)
			}
			moves = append(moves, engine.Move{Column: e.Column, Seat: seat})
		}
	}
	board, err := engine.Replay(moves)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrReplayMismatch, err)
	}
	if board != m.board {
		return ErrReplayMismatch
	}
	return nil
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
