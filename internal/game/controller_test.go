package game

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DoyleJ11/relay4/internal/engine"
	"github.com/DoyleJ11/relay4/internal/event"
	"github.com/DoyleJ11/relay4/internal/identity"
	"github.com/DoyleJ11/relay4/internal/transport"
	"github.com/DoyleJ11/relay4/internal/transport/memory"
	"github.com/DoyleJ11/relay4/internal/transport/transportmock"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const room = "ab12cd"

func newKeypair(t *testing.T) *identity.Keypair {
	t.Helper()
	kp, err := identity.Generate()
	require.NoError(t, err)
	return kp
}

func newPeer(t *testing.T, tr transport.Transport, kp *identity.Keypair, name string) *Controller {
	t.Helper()
	c, err := New(context.Background(), Config{
		Room:               room,
		Signer:             kp,
		Transport:          tr,
		DisplayName:        name,
		HistoryTimeout:     time.Second,
		PublishRetryWindow: 2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	return c
}

// waitFor polls the controller until cond holds so tests never hang.
func waitFor(t *testing.T, c *Controller, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	var last Snapshot
	require.Eventually(t, func() bool {
		s, err := c.Snapshot(context.Background())
		if err != nil {
			return false
		}
		last = s
		return cond(s)
	}, 2*time.Second, 5*time.Millisecond, "last snapshot: %+v", last)
	return last
}

func recvSnapshot(t *testing.T, ch <-chan Snapshot, within time.Duration) Snapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		if !ok {
			t.Fatalf("watcher outbox closed unexpectedly")
		}
		return snap
	case <-time.After(within):
		t.Fatalf("timed out waiting for snapshot")
		return Snapshot{}
	}
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for publish")
	}
}

func sealedEvent(t *testing.T, kp *identity.Keypair, ev event.GameEvent) []byte {
	t.Helper()
	payload, err := event.Encode(ev)
	require.NoError(t, err)
	env, err := kp.Seal(payload)
	require.NoError(t, err)
	return env
}

func header(kp *identity.Keypair, idx uint64) event.Header {
	return event.Header{
		Room:      room,
		Issuer:    string(kp.PublicID()),
		Index:     idx,
		CreatedAt: time.Unix(1_700_000_000, 0).UTC(),
	}
}

func startGame(t *testing.T, bus *memory.Bus) (alice, bob *Controller) {
	t.Helper()
	ctx := context.Background()
	alice = newPeer(t, bus.Client(), newKeypair(t), "alice")
	require.NoError(t, alice.Create(ctx))
	waitFor(t, alice, func(s Snapshot) bool { return s.Phase == PhaseAwaitingOpponent })

	bob = newPeer(t, bus.Client(), newKeypair(t), "bob")
	require.NoError(t, bob.Join(ctx))
	waitFor(t, alice, func(s Snapshot) bool { return s.Phase == PhaseInProgress })
	waitFor(t, bob, func(s Snapshot) bool { return s.Phase == PhaseInProgress })
	return alice, bob
}

// play alternates moves, waiting for each peer's turn before it moves.
func play(t *testing.T, alice, bob *Controller, columns ...int) {
	t.Helper()
	for i, col := range columns {
		mover := alice
		if i%2 == 1 {
			mover = bob
		}
		waitFor(t, mover, func(s Snapshot) bool { return s.MyTurn() })
		require.NoError(t, mover.SubmitMove(context.Background(), col))
	}
}

func TestController_TwoPeersPlayToAWin(t *testing.T) {
	req := require.New(t)
	bus := memory.NewBus(memory.WithDuplicates(1))
	alice, bob := startGame(t, bus)

	a := waitFor(t, alice, func(s Snapshot) bool { return true })
	req.Equal(engine.SeatOne, a.SelfSeat)
	req.Equal("alice", a.Roster.One.DisplayName)
	req.Equal("bob", a.Roster.Two.DisplayName)
	req.True(a.MyTurn())

	play(t, alice, bob, 3, 4, 3, 4, 3, 4, 3)

	finished := func(s Snapshot) bool { return s.Phase == PhaseFinished }
	a = waitFor(t, alice, finished)
	b := waitFor(t, bob, finished)
	req.Equal(engine.StatusWon, a.Board.Status)
	req.Equal(engine.SeatOne, a.Board.Winner)
	req.Equal(a.Board, b.Board)
	req.Equal(engine.SeatTwo, b.SelfSeat)

	req.ErrorIs(bob.SubmitMove(context.Background(), 0), ErrSessionNotReady)
}

func TestController_WatchersGetOneSnapshotPerChange(t *testing.T) {
	req := require.New(t)
	bus := memory.NewBus()
	alice, bob := startGame(t, bus)

	out := make(chan Snapshot, 8)
	alice.Inbox() <- Watch{ClientID: "w1", Outbox: out}
	first := recvSnapshot(t, out, time.Second)
	req.Equal(PhaseInProgress, first.Phase)

	require.NoError(t, alice.SubmitMove(context.Background(), 2))
	next := recvSnapshot(t, out, time.Second)
	req.Greater(next.Version, first.Version)
	req.NotNil(next.Outcome)
	req.Equal(2, next.Outcome.Column)
	req.Equal(0, next.Outcome.Row)
	req.Equal(engine.SeatTwo, next.Board.Turn)

	waitFor(t, bob, func(s Snapshot) bool { return s.MyTurn() })
	require.NoError(t, bob.SubmitMove(context.Background(), 2))
	remote := recvSnapshot(t, out, time.Second)
	req.Equal(1, remote.Outcome.Row)
	req.Equal(engine.SeatTwo, remote.Outcome.Seat)

	alice.Inbox() <- Unwatch{ClientID: "w1"}
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-out:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestController_ResetStartsNextGame(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	bus := memory.NewBus()
	alice, bob := startGame(t, bus)

	req.ErrorIs(alice.Reset(ctx), ErrSessionNotReady)

	play(t, alice, bob, 0, 0, 1, 1, 2, 2, 3)
	waitFor(t, bob, func(s Snapshot) bool { return s.Phase == PhaseFinished })

	// Both peers reset the same finished game; only one reset takes effect.
	req.NoError(bob.Reset(ctx))
	if err := alice.Reset(ctx); err != nil {
		// Bob's reset already reached alice.
		req.ErrorIs(err, ErrSessionNotReady)
	}

	fresh := func(s Snapshot) bool { return s.Game == 1 && s.Phase == PhaseInProgress }
	a := waitFor(t, alice, fresh)
	b := waitFor(t, bob, fresh)
	req.Equal(engine.NewBoard(), a.Board)
	req.Equal(a.Board, b.Board)

	// Moves keep flowing in the next game.
	play(t, alice, bob, 6)
	waitFor(t, bob, func(s Snapshot) bool { return s.Board.Moves == 1 && s.Game == 1 })
}

func TestController_ObserverCannotMove(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	bus := memory.NewBus()
	alice, _ := startGame(t, bus)

	carol := newPeer(t, bus.Client(), newKeypair(t), "carol")
	req.NoError(carol.Join(ctx))
	s := waitFor(t, carol, func(s Snapshot) bool { return s.Roster.IsObserver(s.Self) })
	req.Equal(engine.SeatNone, s.SelfSeat)
	req.False(s.MyTurn())

	req.ErrorIs(carol.SubmitMove(ctx, 0), ErrNotSeated)
	req.ErrorIs(carol.Join(ctx), ErrAlreadyJoined)

	a := waitFor(t, alice, func(s Snapshot) bool { return len(s.Roster.Observers) == 1 })
	req.Equal("carol", a.Roster.Observers[0].DisplayName)
}

func TestController_LateJoinerCatchesUpFromHistory(t *testing.T) {
	req := require.New(t)
	bus := memory.NewBus()
	alice, bob := startGame(t, bus)
	play(t, alice, bob, 5, 4, 5)
	waitFor(t, bob, func(s Snapshot) bool { return s.Board.Moves == 3 })

	dave := newPeer(t, bus.Client(), newKeypair(t), "dave")
	d := waitFor(t, dave, func(s Snapshot) bool { return s.Board.Moves == 3 })
	b := waitFor(t, bob, func(s Snapshot) bool { return true })
	req.Equal(b.Board, d.Board)
	req.Equal(engine.SeatNone, d.SelfSeat)
	req.False(d.MyTurn())
	req.ErrorIs(dave.Create(context.Background()), ErrRoomExists)
	req.ErrorIs(dave.SubmitMove(context.Background(), 0), ErrNotSeated)
}

func TestController_ResyncsAfterReconnect(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	bus := memory.NewBus()

	alice := newPeer(t, bus.Client(), newKeypair(t), "alice")
	req.NoError(alice.Create(ctx))
	bobLink := bus.Client()
	bob := newPeer(t, bobLink, newKeypair(t), "bob")
	req.NoError(bob.Join(ctx))
	waitFor(t, alice, func(s Snapshot) bool { return s.MyTurn() })
	waitFor(t, bob, func(s Snapshot) bool { return s.Phase == PhaseInProgress })

	bobLink.Pause()
	waitFor(t, bob, func(s Snapshot) bool { return s.Health == transport.HealthReconnecting })

	req.NoError(alice.SubmitMove(ctx, 3))
	require.Eventually(t, func() bool { return len(bus.History(room)) == 3 }, time.Second, 5*time.Millisecond)

	// Bob missed the move live and only sees it through the resync.
	s, err := bob.Snapshot(ctx)
	req.NoError(err)
	req.Equal(0, s.Board.Moves)

	bobLink.Resume()
	b := waitFor(t, bob, func(s Snapshot) bool { return s.Board.Moves == 1 && s.Health == transport.HealthConnected })
	a := waitFor(t, alice, func(s Snapshot) bool { return true })
	req.Equal(a.Board, b.Board)
	req.True(b.MyTurn())
	req.Empty(b.Failure)
}

func TestController_MoveMadeOfflineIsPublishedAfterReconnect(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	bus := memory.NewBus()

	aliceLink := bus.Client()
	alice := newPeer(t, aliceLink, newKeypair(t), "alice")
	req.NoError(alice.Create(ctx))
	bob := newPeer(t, bus.Client(), newKeypair(t), "bob")
	req.NoError(bob.Join(ctx))
	waitFor(t, alice, func(s Snapshot) bool { return s.MyTurn() })

	aliceLink.Pause()
	waitFor(t, alice, func(s Snapshot) bool { return s.Health == transport.HealthReconnecting })

	// The move is final locally even though no relay has it yet.
	req.NoError(alice.SubmitMove(ctx, 1))
	a := waitFor(t, alice, func(s Snapshot) bool { return s.Board.Moves == 1 })
	req.Equal(engine.SeatOne, a.Board.Cells[0][1])

	aliceLink.Resume()
	b := waitFor(t, bob, func(s Snapshot) bool { return s.MyTurn() })
	req.Equal(engine.SeatOne, b.Board.Cells[0][1])
}

func TestController_NotMyTurnNeverPublishes(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	alice, bob := newKeypair(t), newKeypair(t)

	events := make(chan []byte)
	health := make(chan transport.Health)
	t.Cleanup(func() { close(events); close(health) })

	tr := transportmock.NewMockTransport(ctrl)
	tr.EXPECT().Subscribe(gomock.Any(), room).Return(&transport.Subscription{Events: events, Health: health}, nil)
	tr.EXPECT().FetchHistory(gomock.Any(), room).Return([][]byte{
		sealedEvent(t, alice, event.RoomCreated{Header: header(alice, 0), DisplayName: "alice"}),
	}, nil).AnyTimes()

	published := make(chan struct{})
	tr.EXPECT().Publish(gomock.Any(), room, gomock.Any()).DoAndReturn(
		func(context.Context, string, []byte) error { close(published); return nil }).Times(1)

	c := newPeer(t, tr, bob, "bob")
	req.ErrorIs(c.SubmitMove(context.Background(), 0), ErrSessionNotReady)
	req.NoError(c.Join(context.Background()))
	waitClosed(t, published)

	s := waitFor(t, c, func(s Snapshot) bool { return s.Phase == PhaseInProgress })
	req.Equal(engine.SeatTwo, s.SelfSeat)
	req.ErrorIs(c.SubmitMove(context.Background(), 0), ErrNotMyTurn)
}

func TestController_IllegalColumnNeverPublishes(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	alice, bob := newKeypair(t), newKeypair(t)

	events := make(chan []byte)
	health := make(chan transport.Health)
	t.Cleanup(func() { close(events); close(health) })

	tr := transportmock.NewMockTransport(ctrl)
	tr.EXPECT().Subscribe(gomock.Any(), room).Return(&transport.Subscription{Events: events, Health: health}, nil)
	// Bob's join arrived before the room existed; it is held until Create lands.
	tr.EXPECT().FetchHistory(gomock.Any(), room).Return([][]byte{
		sealedEvent(t, bob, event.Joined{Header: header(bob, 0), DisplayName: "bob"}),
	}, nil).AnyTimes()

	published := make(chan struct{})
	tr.EXPECT().Publish(gomock.Any(), room, gomock.Any()).DoAndReturn(
		func(context.Context, string, []byte) error { close(published); return nil }).Times(1)

	c := newPeer(t, tr, alice, "alice")
	req.NoError(c.Create(context.Background()))
	waitClosed(t, published)

	s := waitFor(t, c, func(s Snapshot) bool { return s.MyTurn() })
	req.Equal("bob", s.Roster.Two.DisplayName)
	req.ErrorIs(c.SubmitMove(context.Background(), engine.Columns), engine.ErrInvalidColumn)
	req.ErrorIs(c.SubmitMove(context.Background(), -1), engine.ErrInvalidColumn)
}

func TestController_RejectedPublishIsNotRetried(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)

	events := make(chan []byte)
	health := make(chan transport.Health)
	t.Cleanup(func() { close(events); close(health) })

	tr := transportmock.NewMockTransport(ctrl)
	tr.EXPECT().Subscribe(gomock.Any(), room).Return(&transport.Subscription{Events: events, Health: health}, nil)
	tr.EXPECT().FetchHistory(gomock.Any(), room).Return(nil, nil).AnyTimes()
	tr.EXPECT().Publish(gomock.Any(), room, gomock.Any()).Return(transport.ErrRejected).Times(1)

	c := newPeer(t, tr, newKeypair(t), "alice")
	req.NoError(c.Create(context.Background()))

	s := waitFor(t, c, func(s Snapshot) bool { return s.Failure != "" })
	req.Contains(s.Failure, "rejected")
	// The local commit stands.
	req.Equal(PhaseAwaitingOpponent, s.Phase)
}

func TestController_DropsForgedEvents(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	bus := memory.NewBus()
	alice := newPeer(t, bus.Client(), newKeypair(t), "alice")
	req.NoError(alice.Create(ctx))

	// Mallory signs a Joined that claims to come from someone else.
	mallory, victim := newKeypair(t), newKeypair(t)
	alice.Inbox() <- Inbound{Envelope: sealedEvent(t, mallory, event.Joined{Header: header(victim, 0)})}
	alice.Inbox() <- Inbound{Envelope: []byte("not an envelope")}

	s, err := alice.Snapshot(ctx)
	req.NoError(err)
	req.Equal(PhaseAwaitingOpponent, s.Phase)
	req.Empty(s.Roster.Two.ID)

	// The genuine article is accepted.
	alice.Inbox() <- Inbound{Envelope: sealedEvent(t, victim, event.Joined{Header: header(victim, 0)})}
	s = waitFor(t, alice, func(s Snapshot) bool { return s.Phase == PhaseInProgress })
	req.Equal(string(victim.PublicID()), s.Roster.Two.ID)
}

func TestController_StoppedControllerRefusesRequests(t *testing.T) {
	bus := memory.NewBus()
	c := newPeer(t, bus.Client(), newKeypair(t), "alice")
	c.Stop()
	require.ErrorIs(t, c.Create(context.Background()), ErrStopped)
}

func TestController_StrangerEventDoesNotBreakResync(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	bus := memory.NewBus()
	alice, bob := startGame(t, bus)
	play(t, alice, bob, 5, 4, 5)
	waitFor(t, bob, func(s Snapshot) bool { return s.Board.Moves == 3 })

	// Someone without a seat publishes an index no gap can ever explain.
	stranger := newKeypair(t)
	req.NoError(bus.Client().Publish(ctx, room,
		sealedEvent(t, stranger, event.Joined{Header: header(stranger, 500), DisplayName: "eve"})))

	dave := newPeer(t, bus.Client(), newKeypair(t), "dave")
	d := waitFor(t, dave, func(s Snapshot) bool { return s.Board.Moves == 3 && !s.Syncing })
	req.Empty(d.Failure)

	a := waitFor(t, alice, func(s Snapshot) bool { return true })
	req.Empty(a.Failure)
	req.Equal(a.Board, d.Board)

	play(t, bob, alice, 4)
	waitFor(t, dave, func(s Snapshot) bool { return s.Board.Moves == 4 })
}

func TestController_OverflowResyncsThenEscalates(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	alice, bob := newKeypair(t), newKeypair(t)

	events := make(chan []byte)
	health := make(chan transport.Health)
	t.Cleanup(func() { close(events); close(health) })

	var fetches atomic.Int32
	history := [][]byte{
		sealedEvent(t, alice, event.RoomCreated{Header: header(alice, 0), DisplayName: "alice"}),
		sealedEvent(t, bob, event.Joined{Header: header(bob, 0), DisplayName: "bob"}),
	}
	tr := transportmock.NewMockTransport(ctrl)
	tr.EXPECT().Subscribe(gomock.Any(), room).Return(&transport.Subscription{Events: events, Health: health}, nil)
	tr.EXPECT().FetchHistory(gomock.Any(), room).DoAndReturn(func(context.Context, string) ([][]byte, error) {
		fetches.Add(1)
		return history, nil
	}).AnyTimes()

	c := newPeer(t, tr, newKeypair(t), "carol")
	waitFor(t, c, func(s Snapshot) bool { return s.Roster.Complete() })
	req.Equal(int32(1), fetches.Load())

	// bob's index 100 only ever arrives live, far beyond the buffer.
	ahead := sealedEvent(t, bob, event.MoveMade{Header: header(bob, 100), Column: 0})
	c.Inbox() <- Inbound{Envelope: ahead}
	s := waitFor(t, c, func(s Snapshot) bool { return fetches.Load() == 2 && !s.Syncing })
	req.Empty(s.Failure)

	// Nothing was applied in between, so the second overflow is final.
	c.Inbox() <- Inbound{Envelope: ahead}
	s = waitFor(t, c, func(s Snapshot) bool { return s.Failure != "" })
	req.Contains(s.Failure, ErrUnresolvableDesync.Error())
	req.Equal(int32(2), fetches.Load())
	req.Equal(0, s.Board.Moves)
}

func TestController_SeatedGapInHistoryIsUnresolvable(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	bus := memory.NewBus()
	aliceKey, bobKey := newKeypair(t), newKeypair(t)

	alice := newPeer(t, bus.Client(), aliceKey, "alice")
	req.NoError(alice.Create(ctx))
	bob := newPeer(t, bus.Client(), bobKey, "bob")
	req.NoError(bob.Join(ctx))
	waitFor(t, alice, func(s Snapshot) bool { return s.MyTurn() })

	// An event of bob's that the relays kept while losing the 99 before it.
	req.NoError(bus.Client().Publish(ctx, room,
		sealedEvent(t, bobKey, event.MoveMade{Header: header(bobKey, 100), Column: 0})))

	a := waitFor(t, alice, func(s Snapshot) bool { return s.Failure != "" })
	req.Contains(a.Failure, ErrUnresolvableDesync.Error())
	req.Equal(0, a.Board.Moves)
	req.Equal(string(bobKey.PublicID()), a.Roster.Two.ID)
}
