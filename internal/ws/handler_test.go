package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DoyleJ11/relay4/internal/game"
	"github.com/DoyleJ11/relay4/internal/identity"
	"github.com/DoyleJ11/relay4/internal/transport/memory"
	"github.com/DoyleJ11/relay4/pkg/types"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type oneRoom struct{ c *game.Controller }

func (r oneRoom) Ensure(context.Context, string) (*game.Controller, error) { return r.c, nil }

func fastPings(t *testing.T) {
	t.Helper()
	interval, timeout := pingInterval, pongTimeout
	pingInterval, pongTimeout = 20*time.Millisecond, 50*time.Millisecond
	t.Cleanup(func() { pingInterval, pongTimeout = interval, timeout })
}

func serve(t *testing.T) (*game.Controller, string) {
	t.Helper()
	kp, err := identity.Generate()
	require.NoError(t, err)
	c, err := game.New(context.Background(), game.Config{
		Room:        "ab12cd",
		Signer:      kp,
		Transport:   memory.NewBus().Client(),
		DisplayName: "alice",
	})
	require.NoError(t, err)
	t.Cleanup(c.Stop)

	r := chi.NewRouter()
	r.Get("/rooms/{code}/ws", Handler(oneRoom{c}, zap.NewNop()))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return c, "ws" + strings.TrimPrefix(srv.URL, "http") + "/rooms/ab12cd/ws"
}

func TestHandler_SilentWatcherStaysConnected(t *testing.T) {
	req := require.New(t)
	fastPings(t)
	_, url := serve(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	req.NoError(err)
	defer conn.CloseNow()

	msgs := make(chan types.ServerMessage, 16)
	go func() {
		defer close(msgs)
		for {
			var msg types.ServerMessage
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				return
			}
			msgs <- msg
		}
	}()

	first := <-msgs
	req.Equal("StateChanged", first.Type)

	// Many ping rounds pass without the client saying anything.
	time.Sleep(300 * time.Millisecond)

	req.NoError(wsjson.Write(ctx, conn, types.ClientMessage{Type: "Resync"}))
	req.NoError(wsjson.Write(ctx, conn, types.ClientMessage{Type: "Join"}))
	for msg := range msgs {
		req.NotEqual("Error", msg.Type, msg.Error)
		if msg.State != nil && msg.State.Phase == string(game.PhaseAwaitingOpponent) {
			return
		}
	}
	t.Fatal("connection closed before the join was reported")
}

func TestHandler_UnansweredPingsCloseTheConnection(t *testing.T) {
	req := require.New(t)
	fastPings(t)
	_, url := serve(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	req.NoError(err)
	defer conn.CloseNow()

	// Pongs are only sent while reading, so a client that stops reading
	// misses every ping.
	time.Sleep(300 * time.Millisecond)

	readCtx, readCancel := context.WithTimeout(ctx, 3*time.Second)
	defer readCancel()
	for {
		var msg types.ServerMessage
		if err := wsjson.Read(readCtx, conn, &msg); err != nil {
			break
		}
	}
	req.NoError(readCtx.Err(), "server kept the connection open")
}
