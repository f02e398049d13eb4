package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/DoyleJ11/tactics-room-backend/internal/tactics"
	"github.com/DoyleJ11/tactics-room-backend/internal/ws"
)

func SetupRoutes(coord *tactics.Coordinator, log *zap.Logger, wsOpts *websocket.AcceptOptions) http.Handler {
	httpLog := log.Named("http")
	r := chi.NewRouter()

	r.Get("/healthz", Healthz)
	r.Post("/rooms", CreateRoom(coord, httpLog))
	r.Get("/rooms/{code}", GetRoom(coord, httpLog))
	r.Get("/ws", ws.Handler(coord, log, wsOpts))
	return r
}
