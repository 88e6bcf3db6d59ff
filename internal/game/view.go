package game

import (
	"github.com/DoyleJ11/relay4/internal/engine"
	"github.com/DoyleJ11/relay4/internal/session"
	"github.com/DoyleJ11/relay4/pkg/types"
	"github.com/samber/lo"
)

// View flattens a snapshot into the JSON shape served to clients.
func (s Snapshot) View() types.RoomView {
	v := types.RoomView{
		Room:    s.Room,
		Phase:   string(s.Phase),
		Game:    s.Game,
		Board:   make([][]string, 0, engine.Rows),
		Turn:    s.Board.Turn.String(),
		Status:  string(s.Board.Status),
		Moves:   s.Board.Moves,
		Self:    s.Self,
		MyTurn:  s.MyTurn(),
		Health:  string(s.Health),
		Syncing: s.Syncing,
		Pending: s.Pending,
		Failure: s.Failure,
		Players: players(s.Roster),
		Observers: lo.Map(s.Roster.Observers, func(p session.Participant, _ int) types.Player {
			return types.Player{ID: p.ID, DisplayName: p.DisplayName}
		}),
	}
	if s.Board.Winner != engine.SeatNone {
		v.Winner = s.Board.Winner.String()
	}
	if s.SelfSeat != engine.SeatNone {
		v.SelfSeat = s.SelfSeat.String()
	}
	if s.Outcome != nil {
		v.LastMove = &types.LastMove{Seat: s.Outcome.Seat.String(), Column: s.Outcome.Column, Row: s.Outcome.Row}
	}
	for row := engine.Rows - 1; row >= 0; row-- {
		line := make([]string, engine.Columns)
		for col, cell := range s.Board.Cells[row] {
			if cell != engine.Empty {
				line[col] = cell.String()
			}
		}
		v.Board = append(v.Board, line)
	}
	return v
}

func players(r session.Roster) []types.Player {
	seated := lo.Filter([]session.Participant{r.One, r.Two}, func(p session.Participant, _ int) bool {
		return p.ID != ""
	})
	return lo.Map(seated, func(p session.Participant, _ int) types.Player {
		return types.Player{ID: p.ID, Seat: p.Seat.String(), DisplayName: p.DisplayName}
	})
}
