package session

import (
	"slices"
	"time"

	"github.com/DoyleJ11/relay4/internal/engine"
	"github.com/samber/lo"
)

type Participant struct {
	ID          string      `json:"id"`
	Seat        engine.Seat `json:"seat"`
	DisplayName string      `json:"display_name,omitempty"`
	JoinedAt    time.Time   `json:"joined_at,omitempty"`
}

// Roster is derived from the log alone: the room creator holds seat one and
// the first other accepted joiner holds seat two. Identities that lost a seat
// claim are kept as observers.
type Roster struct {
	One       Participant   `json:"one"`
	Two       Participant   `json:"two"`
	Observers []Participant `json:"observers,omitempty"`
}

func (r Roster) SeatOf(id string) engine.Seat {
	switch {
	case id == "":
		return engine.SeatNone
	case id == r.One.ID:
		return engine.SeatOne
	case id == r.Two.ID:
		return engine.SeatTwo
	default:
		return engine.SeatNone
	}
}

func (r Roster) Complete() bool {
	return r.One.ID != "" && r.Two.ID != ""
}

func (r Roster) IsObserver(id string) bool {
	return lo.ContainsBy(r.Observers, func(p Participant) bool { return p.ID == id })
}

func (r *Roster) observe(id, name string) {
	if r.IsObserver(id) {
		return
	}
	r.Observers = append(r.Observers, Participant{ID: id, Seat: engine.SeatNone, DisplayName: name})
}

func (r *Roster) dropObserver(id string) {
	r.Observers = lo.Reject(r.Observers, func(p Participant, _ int) bool { return p.ID == id })
}

func (r Roster) clone() Roster {
	r.Observers = slices.Clone(r.Observers)
	return r
}
