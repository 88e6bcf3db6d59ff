package engine

func NewBoard() Board {
	return Board{
		Turn:   SeatOne, // seat one always opens, including after a reset
		Status: StatusInProgress,
	}
}

func (b Board) Finished() bool {
	return b.Status != StatusInProgress
}
