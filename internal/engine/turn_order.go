package engine

func opponent(s Seat) Seat {
	switch s {
	case SeatOne:
		return SeatTwo
	case SeatTwo:
		return SeatOne
	default:
		return SeatNone
	}
}

// SeatForMove returns which seat plays the n-th move (0-based) of a game.
func SeatForMove(n int) Seat {
	if n%2 == 0 {
		return SeatOne
	}
	return SeatTwo
}
