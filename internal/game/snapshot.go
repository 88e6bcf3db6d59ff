package game

import (
	"github.com/DoyleJ11/relay4/internal/engine"
	"github.com/DoyleJ11/relay4/internal/session"
	"github.com/DoyleJ11/relay4/internal/transport"
)

type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseAwaitingOpponent Phase = "awaiting_opponent"
	PhaseInProgress       Phase = "in_progress"
	PhaseFinished         Phase = "finished"
)

// Snapshot is the state-changed notification handed to the presentation layer.
type Snapshot struct {
	Version  int              `json:"version"`
	Room     string           `json:"room"`
	Phase    Phase            `json:"phase"`
	Board    engine.Board     `json:"board"`
	Outcome  *engine.Outcome  `json:"outcome,omitempty"`
	Roster   session.Roster   `json:"roster"`
	Self     string           `json:"self"`
	SelfSeat engine.Seat      `json:"self_seat"`
	Game     uint64           `json:"game"`
	Health   transport.Health `json:"health,omitempty"`
	Syncing  bool             `json:"syncing"`
	Pending  int              `json:"pending"`
	Failure  string           `json:"failure,omitempty"`
}

func (s Snapshot) MyTurn() bool {
	return s.Phase == PhaseInProgress && s.SelfSeat != engine.SeatNone && s.Board.Turn == s.SelfSeat
}

func derivePhase(submitted bool, created bool, roster session.Roster, board engine.Board) Phase {
	switch {
	case !submitted && !created:
		return PhaseIdle
	case !roster.Complete():
		return PhaseAwaitingOpponent
	case board.Finished():
		return PhaseFinished
	default:
		return PhaseInProgress
	}
}
