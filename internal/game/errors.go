package game

import (
	"context"
	"errors"

	"github.com/DoyleJ11/relay4/internal/engine"
	"github.com/DoyleJ11/relay4/internal/transport"
)

var ErrNotMyTurn = errors.New("not my turn")
var ErrSessionNotReady = errors.New("session not ready")
var ErrNotSeated = errors.New("not seated in this room")
var ErrRoomExists = errors.New("room already exists")
var ErrAlreadyJoined = errors.New("already created or joined this room")
var ErrUnresolvableDesync = errors.New("desync persists after resync")
var ErrStopped = errors.New("room controller stopped")

// ErrorCode names an error returned by a controller operation for API clients.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotMyTurn), errors.Is(err, engine.ErrNotYourTurn):
		return "not_your_turn"
	case errors.Is(err, ErrSessionNotReady):
		return "session_not_ready"
	case errors.Is(err, ErrNotSeated):
		return "not_seated"
	case errors.Is(err, ErrRoomExists):
		return "room_exists"
	case errors.Is(err, ErrAlreadyJoined):
		return "already_joined"
	case errors.Is(err, engine.ErrColumnFull):
		return "column_full"
	case errors.Is(err, engine.ErrInvalidColumn):
		return "invalid_column"
	case errors.Is(err, engine.ErrGameOver):
		return "game_over"
	case errors.Is(err, transport.ErrUnreachable):
		return "unreachable"
	case errors.Is(err, ErrStopped):
		return "room_closed"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal"
	}
}
