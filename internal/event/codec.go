package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var ErrMalformed = errors.New("malformed event")
var ErrUnknownVariant = errors.New("unknown event kind")

var validate = validator.New(validator.WithRequiredStructEnabled())

// wireEvent is the JSON shape of every variant. Pointers distinguish a
// missing field from its zero value.
type wireEvent struct {
	Kind        Kind    `json:"kind"`
	RoomCode    string  `json:"room_code" validate:"required,alphanum,min=4,max=16"`
	Participant string  `json:"participant_id" validate:"required,hexadecimal,len=64"`
	MoveIndex   *uint64 `json:"move_index" validate:"required"`
	Column      *int    `json:"column,omitempty" validate:"omitempty,min=0,max=6"`
	Game        uint64  `json:"game,omitempty"`
	DisplayName string  `json:"display_name,omitempty" validate:"max=64"`
	CreatedAt   int64   `json:"created_at,omitempty" validate:"gte=0"`
}

func Encode(ev GameEvent) ([]byte, error) {
	h := ev.Meta()
	idx := h.Index
	w := wireEvent{
		Kind:        ev.Kind(),
		RoomCode:    h.Room,
		Participant: h.Issuer,
		MoveIndex:   &idx,
	}
	if !h.CreatedAt.IsZero() {
		w.CreatedAt = h.CreatedAt.Unix()
	}

	switch e := ev.(type) {
	case RoomCreated:
		w.DisplayName = e.DisplayName
	case Joined:
		w.DisplayName = e.DisplayName
	case MoveMade:
		col := e.Column
		w.Column = &col
	case GameReset:
		w.Game = e.Game
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownVariant, ev)
	}

	if err := validate.Struct(w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return json.Marshal(w)
}

// Decode parses one event. Unknown kinds return ErrUnknownVariant and should be
// skipped by callers; everything else that does not fit the schema is
// ErrMalformed.
func Decode(data []byte) (GameEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.Kind == "" {
		return nil, fmt.Errorf("%w: missing kind", ErrMalformed)
	}
	switch w.Kind {
	case KindRoomCreated, KindJoined, KindMoveMade, KindGameReset:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownVariant, w.Kind)
	}
	if err := validate.Struct(w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	h := Header{
		Room:   w.RoomCode,
		Issuer: w.Participant,
		Index:  *w.MoveIndex,
	}
	if w.CreatedAt > 0 {
		h.CreatedAt = time.Unix(w.CreatedAt, 0).UTC()
	}

	switch w.Kind {
	case KindRoomCreated:
		return RoomCreated{Header: h, DisplayName: w.DisplayName}, nil
	case KindJoined:
		return Joined{Header: h, DisplayName: w.DisplayName}, nil
	case KindMoveMade:
		if w.Column == nil {
			return nil, fmt.Errorf("%w: move without column", ErrMalformed)
		}
		return MoveMade{Header: h, Column: *w.Column}, nil
	default:
		return GameReset{Header: h, Game: w.Game}, nil
	}
}
