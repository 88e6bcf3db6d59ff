// Package relay is a small development relay: it accepts signed envelopes,
// stores each once and fans them out to the room's subscribers.
package relay

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/DoyleJ11/relay4/internal/identity"
	"github.com/DoyleJ11/relay4/internal/transport/wsrelay"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const (
	peerBuffer   = 64
	writeTimeout = 5 * time.Second
	readLimit    = 1 << 20
)

var validate = validator.New()

type Server struct {
	store Store
	log   *zap.Logger

	mu    sync.Mutex
	rooms map[string]map[*peer]map[string]struct{} // room -> peer -> sub ids
}

func NewServer(store Store, log *zap.Logger) *Server {
	return &Server{
		store: store,
		log:   log.Named("relay"),
		rooms: make(map[string]map[*peer]map[string]struct{}),
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/relay", s.handle)
	return r
}

// peer is one websocket connection. All writes go through out so that only
// the writer goroutine touches the connection.
type peer struct {
	out    chan wsrelay.Frame
	cancel context.CancelFunc
}

func (p *peer) send(f wsrelay.Frame) bool {
	select {
	case p.out <- f:
		return true
	default:
		// Slow reader - drop the connection.
		p.cancel()
		return false
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	p := &peer{out: make(chan wsrelay.Frame, peerBuffer), cancel: cancel}
	defer s.forget(p)

	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case f := <-p.out:
				wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
				err := wsjson.Write(wctx, conn, f)
				wcancel()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		var f wsrelay.Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				s.log.Debug("connection ended", zap.Error(err))
			}
			return
		}
		if err := validate.Var(f.Room, "required,alphanum,min=4,max=16"); err != nil {
			p.send(wsrelay.Frame{Type: wsrelay.FrameError, SubID: f.SubID, Error: "bad room"})
			continue
		}

		switch f.Type {
		case wsrelay.FramePublish:
			s.publish(ctx, p, f)
		case wsrelay.FrameSubscribe:
			s.subscribe(p, f.Room, f.SubID)
			p.send(wsrelay.Frame{Type: wsrelay.FrameOK, Room: f.Room, SubID: f.SubID})
		case wsrelay.FrameHistory:
			s.history(ctx, p, f)
		default:
			p.send(wsrelay.Frame{Type: wsrelay.FrameError, SubID: f.SubID, Error: "unknown frame type"})
		}
	}
}

func (s *Server) publish(ctx context.Context, p *peer, f wsrelay.Frame) {
	env, err := identity.Parse(f.Envelope)
	if err == nil {
		_, _, err = identity.Open(f.Envelope)
	}
	if err != nil {
		p.send(wsrelay.Frame{Type: wsrelay.FrameError, Room: f.Room, Error: err.Error()})
		return
	}

	fresh, err := s.store.Put(ctx, f.Room, env.ID, f.Envelope)
	if err != nil {
		s.log.Error("store envelope", zap.String("room", f.Room), zap.Error(err))
		p.send(wsrelay.Frame{Type: wsrelay.FrameError, Room: f.Room, Error: "store unavailable"})
		return
	}
	if fresh {
		s.log.Debug("stored", zap.String("room", f.Room), zap.String("id", env.ID))
		s.fanout(f.Room, f.Envelope)
	}
	p.send(wsrelay.Frame{Type: wsrelay.FrameOK, Room: f.Room})
}

func (s *Server) fanout(room string, envelope []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p, subs := range s.rooms[room] {
		for id := range subs {
			if !p.send(wsrelay.Frame{Type: wsrelay.FrameEvent, Room: room, SubID: id, Envelope: envelope}) {
				break
			}
		}
	}
}

func (s *Server) subscribe(p *peer, room, subID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := s.rooms[room]
	if peers == nil {
		peers = make(map[*peer]map[string]struct{})
		s.rooms[room] = peers
	}
	if peers[p] == nil {
		peers[p] = make(map[string]struct{})
	}
	peers[p][subID] = struct{}{}
}

func (s *Server) forget(p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for room, peers := range s.rooms {
		delete(peers, p)
		if len(peers) == 0 {
			delete(s.rooms, room)
		}
	}
}

// history sends every stored envelope followed by eose. It blocks on the
// peer's buffer instead of dropping, since the peer asked for all of it.
func (s *Server) history(ctx context.Context, p *peer, f wsrelay.Frame) {
	stored, err := s.store.List(ctx, f.Room)
	if err != nil {
		s.log.Error("list envelopes", zap.String("room", f.Room), zap.Error(err))
		p.send(wsrelay.Frame{Type: wsrelay.FrameError, SubID: f.SubID, Error: "store unavailable"})
		return
	}
	for _, env := range stored {
		select {
		case p.out <- wsrelay.Frame{Type: wsrelay.FrameEvent, Room: f.Room, SubID: f.SubID, Envelope: env}:
		case <-ctx.Done():
			return
		}
	}
	select {
	case p.out <- wsrelay.Frame{Type: wsrelay.FrameEOSE, Room: f.Room, SubID: f.SubID}:
	case <-ctx.Done():
	}
}
