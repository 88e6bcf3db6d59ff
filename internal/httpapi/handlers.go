package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/DoyleJ11/relay4/internal/game"
	"github.com/DoyleJ11/relay4/internal/hub"
	"github.com/DoyleJ11/relay4/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const (
	codeLength     = 6
	createAttempts = 8
	requestTimeout = 10 * time.Second
)

var validate = validator.New(validator.WithRequiredStructEnabled())

var errBadCode = errors.New("room code must be 4 to 16 letters or digits")

// GenerateCode returns a random lowercase room code.
func GenerateCode() (string, error) {
	const charset = "abcdefghijklmnopqrstuvwxyz0123456789"

	code := make([]byte, codeLength)
	for i := range code {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		code[i] = charset[num.Int64()]
	}
	return string(code), nil
}

// CreateRoom picks a fresh code, opens it and publishes RoomCreated. A code
// that turns out to exist on the relays is closed again and another is tried.
func CreateRoom(h *hub.Hub, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()

		for range createAttempts {
			code, err := GenerateCode()
			if err != nil {
				writeError(w, http.StatusInternalServerError, "internal", "failed to generate code")
				return
			}
			c, err := h.Create(ctx, code)
			if errors.Is(err, hub.ErrRoomOpen) {
				log.Debug("collision on code, regenerating", zap.String("room", code))
				continue
			}
			if err != nil {
				writeControllerError(w, err)
				return
			}

			err = c.Create(ctx)
			if errors.Is(err, game.ErrRoomExists) {
				h.Inbox() <- hub.RemoveRoom{Code: code}
				log.Debug("code already used on relays, regenerating", zap.String("room", code))
				continue
			}
			if err != nil {
				writeControllerError(w, err)
				return
			}

			snap, err := c.Snapshot(ctx)
			if err != nil {
				writeControllerError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, types.CreateRoomResponse{Code: code, State: snap.View()})
			return
		}
		writeError(w, http.StatusServiceUnavailable, "internal", "no free room code")
	}
}

func JoinRoom(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()

		code, ok := roomCode(w, r)
		if !ok {
			return
		}
		c, err := h.Ensure(ctx, code)
		if err != nil {
			writeControllerError(w, err)
			return
		}
		if err := c.Join(ctx); err != nil {
			writeControllerError(w, err)
			return
		}
		respond(ctx, w, c)
	}
}

func SubmitMove(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()

		var body types.MoveRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "bad json")
			return
		}
		if err := validate.Struct(body); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "invalid_column", err.Error())
			return
		}
		c, ok := openRoom(ctx, w, r, h)
		if !ok {
			return
		}
		if err := c.SubmitMove(ctx, *body.Column); err != nil {
			writeControllerError(w, err)
			return
		}
		respond(ctx, w, c)
	}
}

func ResetGame(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()

		c, ok := openRoom(ctx, w, r, h)
		if !ok {
			return
		}
		if err := c.Reset(ctx); err != nil {
			writeControllerError(w, err)
			return
		}
		respond(ctx, w, c)
	}
}

func GetRoom(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()

		c, ok := openRoom(ctx, w, r, h)
		if !ok {
			return
		}
		respond(ctx, w, c)
	}
}

// LeaveRoom closes the room on this node. Other peers are unaffected.
func LeaveRoom(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code, ok := roomCode(w, r)
		if !ok {
			return
		}
		h.Inbox() <- hub.RemoveRoom{Code: code}
		w.WriteHeader(http.StatusNoContent)
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func roomCode(w http.ResponseWriter, r *http.Request) (string, bool) {
	code := chi.URLParam(r, "code")
	if err := validate.Var(code, "required,alphanum,min=4,max=16"); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", errBadCode.Error())
		return "", false
	}
	return code, true
}

func validRoom(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := roomCode(w, r); ok {
			next.ServeHTTP(w, r)
		}
	})
}

// openRoom finds a room this node already has open.
func openRoom(ctx context.Context, w http.ResponseWriter, r *http.Request, h *hub.Hub) (*game.Controller, bool) {
	code, ok := roomCode(w, r)
	if !ok {
		return nil, false
	}
	c, err := h.Get(ctx, code)
	if err != nil {
		writeControllerError(w, err)
		return nil, false
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "room_not_found", "room not open on this node")
		return nil, false
	}
	return c, true
}

func respond(ctx context.Context, w http.ResponseWriter, c *game.Controller) {
	snap, err := c.Snapshot(ctx)
	if err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap.View())
}

func writeControllerError(w http.ResponseWriter, err error) {
	if errors.Is(err, hub.ErrHubClosed) {
		writeError(w, http.StatusServiceUnavailable, "room_closed", err.Error())
		return
	}
	code := game.ErrorCode(err)
	writeError(w, statusFor(code), code, err.Error())
}

func statusFor(code string) int {
	switch code {
	case "not_your_turn", "session_not_ready", "room_exists", "already_joined", "game_over":
		return http.StatusConflict
	case "not_seated":
		return http.StatusForbidden
	case "column_full", "invalid_column":
		return http.StatusUnprocessableEntity
	case "unreachable", "room_closed":
		return http.StatusServiceUnavailable
	case "timeout":
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, types.ServerMessage{Type: "Error", Code: code, Error: msg})
}
