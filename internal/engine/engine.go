package engine

import (
	"errors"
	"strings"
)

var ErrNotYourTurn = errors.New("not your turn")
var ErrColumnFull = errors.New("column is full")
var ErrGameOver = errors.New("game is over")
var ErrInvalidColumn = errors.New("invalid column")

const (
	Columns = 7
	Rows    = 6
	ToWin   = 4
)

type Seat int

const (
	SeatNone Seat = iota
	SeatOne
	SeatTwo
)

func (s Seat) String() string {
	switch s {
	case SeatOne:
		return "one"
	case SeatTwo:
		return "two"
	default:
		return "none"
	}
}

// Cell values mirror seats so a placed token is just the seat that owns it.
type Cell = Seat

const Empty Cell = SeatNone

type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusWon        Status = "won"
	StatusDraw       Status = "draw"
)

// Board is a value type: copying it copies the grid, and two boards built from
// the same moves compare equal with ==.
type Board struct {
	Cells   [Rows][Columns]Cell `json:"cells"` // row 0 is the bottom row
	Heights [Columns]int        `json:"heights"`
	Turn    Seat                `json:"turn"`
	Status  Status              `json:"status"`
	Winner  Seat                `json:"winner"`
	Moves   int                 `json:"moves"`
}

// Outcome describes the effect of one applied move.
type Outcome struct {
	Seat   Seat   `json:"seat"`
	Column int    `json:"column"`
	Row    int    `json:"row"`
	Status Status `json:"status"`
	Winner Seat   `json:"winner"`
}

type Move struct {
	Column int
	Seat   Seat
}

// Apply drops seat's token into column and returns the resulting board.
// The input board is never modified.
func Apply(b Board, column int, seat Seat) (Board, Outcome, error) {
	if b.Status != StatusInProgress {
		return b, Outcome{}, ErrGameOver
	}
	if seat != b.Turn {
		return b, Outcome{}, ErrNotYourTurn
	}
	if column < 0 || column >= Columns {
		return b, Outcome{}, ErrInvalidColumn
	}

	row := b.Heights[column]
	if row >= Rows {
		return b, Outcome{}, ErrColumnFull
	}

	next := b
	next.Cells[row][column] = seat
	next.Heights[column]++
	next.Moves++

	switch {
	case connects(next, row, column):
		next.Status = StatusWon
		next.Winner = seat
	case next.Moves == Rows*Columns:
		next.Status = StatusDraw
	default:
		next.Turn = opponent(seat)
	}

	return next, Outcome{
		Seat:   seat,
		Column: column,
		Row:    row,
		Status: next.Status,
		Winner: next.Winner,
	}, nil
}

// Replay folds moves into a fresh board, stopping at the first illegal one.
func Replay(moves []Move) (Board, error) {
	b := NewBoard()
	for _, m := range moves {
		next, _, err := Apply(b, m.Column, m.Seat)
		if err != nil {
			return b, err
		}
		b = next
	}
	return b, nil
}

var directions = [4][2]int{{0, 1}, {1, 0}, {1, 1}, {1, -1}}

// connects checks the four lines through (row, col) only.
func connects(b Board, row, col int) bool {
	mark := b.Cells[row][col]
	if mark == Empty {
		return false
	}
	for _, d := range directions {
		count := 1 + run(b, row, col, d[0], d[1], mark) + run(b, row, col, -d[0], -d[1], mark)
		if count >= ToWin {
			return true
		}
	}
	return false
}

func run(b Board, row, col, dr, dc int, mark Cell) int {
	n := 0
	r, c := row+dr, col+dc
	for r >= 0 && r < Rows && c >= 0 && c < Columns && b.Cells[r][c] == mark {
		n++
		r += dr
		c += dc
	}
	return n
}

// String renders the board top row first, '.' for empty cells.
func (b Board) String() string {
	var sb strings.Builder
	for r := Rows - 1; r >= 0; r-- {
		for c := 0; c < Columns; c++ {
			switch b.Cells[r][c] {
			case SeatOne:
				sb.WriteByte('X')
			case SeatTwo:
				sb.WriteByte('O')
			default:
				sb.WriteByte('.')
			}
		}
		if r > 0 {
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}
