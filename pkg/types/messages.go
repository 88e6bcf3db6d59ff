// Package types holds the JSON shapes the HTTP and websocket APIs speak.
package types

// Client -> Server over the room websocket
//
// SubmitMove:
//
//	column: number (0..6)
//
// Reset: {}
//
// Join: {}
type ClientMessage struct {
	Type   string `json:"type"` // "SubmitMove" | "Reset" | "Join"
	Column *int   `json:"column,omitempty"`
}

// Server -> Client
//
// StateChanged:
//
//	version: number
//	state: RoomView
//
// Error:
//
//	code: string
//	error: string
type ServerMessage struct {
	Type    string    `json:"type"` // "StateChanged" | "Error"
	Version int       `json:"version,omitempty"`
	State   *RoomView `json:"state,omitempty"`
	Code    string    `json:"code,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// RoomView is what a UI needs to draw one room.
type RoomView struct {
	Room      string     `json:"room"`
	Phase     string     `json:"phase"`
	Game      uint64     `json:"game"`
	Board     [][]string `json:"board"` // rows top first; "", "one" or "two"
	Turn      string     `json:"turn"`
	Status    string     `json:"status"`
	Winner    string     `json:"winner,omitempty"`
	Moves     int        `json:"moves"`
	LastMove  *LastMove  `json:"last_move,omitempty"`
	Players   []Player   `json:"players"`
	Observers []Player   `json:"observers,omitempty"`
	Self      string     `json:"self"`
	SelfSeat  string     `json:"self_seat,omitempty"`
	MyTurn    bool       `json:"my_turn"`
	Health    string     `json:"health,omitempty"`
	Syncing   bool       `json:"syncing"`
	Pending   int        `json:"pending"`
	Failure   string     `json:"failure,omitempty"`
}

type LastMove struct {
	Seat   string `json:"seat"`
	Column int    `json:"column"`
	Row    int    `json:"row"`
}

type Player struct {
	ID          string `json:"id"`
	Seat        string `json:"seat,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

type CreateRoomResponse struct {
	Code  string   `json:"code"`
	State RoomView `json:"state"`
}

type MoveRequest struct {
	Column *int `json:"column" validate:"required,min=0,max=6"`
}
