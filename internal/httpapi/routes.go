package httpapi

import (
	"net/http"
	"time"

	"github.com/DoyleJ11/relay4/internal/hub"
	"github.com/DoyleJ11/relay4/internal/ws"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

func SetupRoutes(h *hub.Hub, log *zap.Logger) http.Handler {
	log = log.Named("http")
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log))

	// Public routes
	r.Get("/healthz", Healthz)
	r.Route("/rooms", func(r chi.Router) {
		r.Post("/", CreateRoom(h, log))
		r.Route("/{code}", func(r chi.Router) {
			r.Get("/", GetRoom(h))
			r.Delete("/", LeaveRoom(h))
			r.Post("/join", JoinRoom(h))
			r.Post("/moves", SubmitMove(h))
			r.Post("/reset", ResetGame(h))
			r.With(validRoom).Get("/ws", ws.Handler(h, log))
		})
	})
	return r
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}
