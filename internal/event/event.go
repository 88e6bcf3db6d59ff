// Package event defines the game events exchanged between peers and their
// wire encoding.
package event

import "time"

type Kind string

const (
	KindRoomCreated Kind = "room_created"
	KindJoined      Kind = "joined"
	KindMoveMade    Kind = "move_made"
	KindGameReset   Kind = "game_reset"
)

// Header carries the attributes common to every variant. Index is the
// issuer's own counter in the room: 0 for its first event, +1 for each
// following one.
type Header struct {
	Room      string
	Issuer    string
	Index     uint64
	CreatedAt time.Time
}

func (h Header) Meta() Header { return h }

// GameEvent is the closed set of event variants.
type GameEvent interface {
	Meta() Header
	Kind() Kind
	isGameEvent()
}

type RoomCreated struct {
	Header
	DisplayName string
}

type Joined struct {
	Header
	DisplayName string
}

type MoveMade struct {
	Header
	Column int
}

// GameReset ends game number Game and starts the next one. Carrying the
// number lets two concurrent resets of the same game collapse into one.
type GameReset struct {
	Header
	Game uint64
}

func (RoomCreated) Kind() Kind { return KindRoomCreated }
func (Joined) Kind() Kind      { return KindJoined }
func (MoveMade) Kind() Kind    { return KindMoveMade }
func (GameReset) Kind() Kind   { return KindGameReset }

func (RoomCreated) isGameEvent() {}
func (Joined) isGameEvent()      {}
func (MoveMade) isGameEvent()    {}
func (GameReset) isGameEvent()   {}
