// Package ws streams a room's state to browsers and accepts moves back.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/DoyleJ11/relay4/internal/game"
	"github.com/DoyleJ11/relay4/pkg/types"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Rooms resolves a room code to its controller, opening it if needed.
type Rooms interface {
	Ensure(ctx context.Context, code string) (*game.Controller, error)
}

const (
	writeTimeout   = 3 * time.Second
	requestTimeout = 5 * time.Second
)

// A watcher may stay silent for a whole game, so liveness comes from pings
// rather than from a read deadline.
var (
	pingInterval = 30 * time.Second
	pongTimeout  = 10 * time.Second
)

func Handler(rooms Rooms, log *zap.Logger) http.HandlerFunc {
	log = log.Named("ws")
	return func(w http.ResponseWriter, r *http.Request) {
		code := chi.URLParam(r, "code")
		c, err := rooms.Ensure(r.Context(), code)
		if err != nil {
			http.Error(w, "room unavailable", http.StatusServiceUnavailable)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			// In dev ONLY, you can loosen origin checks:
			// OriginPatterns: []string{"http://localhost:*", "http://127.0.0.1:*"},
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		out := make(chan game.Snapshot, 8)
		clientID := uuid.NewString()
		log := log.With(zap.String("room", code), zap.String("client", clientID))

		select {
		case c.Inbox() <- game.Watch{ClientID: clientID, Outbox: out}:
		case <-c.Done():
			conn.Close(websocket.StatusGoingAway, "room closed")
			return
		}
		defer func() {
			select {
			case c.Inbox() <- game.Unwatch{ClientID: clientID}:
			case <-c.Done():
			}
		}()

		// Writer goroutine
		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			defer writeCancel()
			for snap := range out {
				view := snap.View()
				msg := types.ServerMessage{Type: "StateChanged", Version: snap.Version, State: &view}
				ctx, cancel := context.WithTimeout(writeCtx, writeTimeout)
				err := wsjson.Write(ctx, conn, msg)
				cancel()
				if err != nil {
					return
				}
			}
			// Outbox closed: the room stopped or this client fell behind.
			conn.Close(websocket.StatusGoingAway, "room closed")
		}()

		go keepalive(writeCtx, writeCancel, conn, log)

		// Reader loop
		for {
			_, data, err := conn.Read(writeCtx)
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				default:
					log.Debug("websocket read ended", zap.Error(err))
				}
				return
			}

			var cm types.ClientMessage
			if err := json.Unmarshal(data, &cm); err != nil {
				reply(writeCtx, conn, types.ServerMessage{Type: "Error", Code: "bad_request", Error: "bad json"})
				continue
			}
			if err := dispatch(writeCtx, c, cm); err != nil {
				reply(writeCtx, conn, types.ServerMessage{Type: "Error", Code: errorCode(err), Error: err.Error()})
			}
		}
	}
}

// keepalive pings the browser until ctx ends and cancels the connection when
// a pong does not come back in time. Pongs are read by the reader loop.
func keepalive(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, log *zap.Logger) {
	interval, timeout := pingInterval, pongTimeout
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, pcancel := context.WithTimeout(ctx, timeout)
			err := conn.Ping(pctx)
			pcancel()
			if err != nil {
				log.Debug("websocket ping failed", zap.Error(err))
				cancel()
				return
			}
		}
	}
}

var errUnknownType = errors.New("unknown message type")
var errMissingColumn = errors.New("missing column")

func dispatch(ctx context.Context, c *game.Controller, m types.ClientMessage) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	switch m.Type {
	case "SubmitMove":
		if m.Column == nil {
			return errMissingColumn
		}
		return c.SubmitMove(ctx, *m.Column)
	case "Reset":
		return c.Reset(ctx)
	case "Join":
		return c.Join(ctx)
	case "Resync":
		select {
		case c.Inbox() <- game.Resync{}:
			return nil
		case <-c.Done():
			return game.ErrStopped
		case <-ctx.Done():
			return ctx.Err()
		}
	default:
		return errUnknownType
	}
}

func reply(ctx context.Context, conn *websocket.Conn, msg types.ServerMessage) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_ = wsjson.Write(ctx, conn, msg)
}

func errorCode(err error) string {
	if errors.Is(err, errUnknownType) || errors.Is(err, errMissingColumn) {
		return "bad_request"
	}
	return game.ErrorCode(err)
}
