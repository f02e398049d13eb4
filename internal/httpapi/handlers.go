package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/DoyleJ11/tactics-room-backend/internal/engine"
	"github.com/DoyleJ11/tactics-room-backend/internal/tactics"
	"github.com/DoyleJ11/tactics-room-backend/internal/ws"
)

type createRoomRequest struct {
	Identity    string `json:"identity"`
	DisplayName string `json:"displayName"`
}

type errorBody struct {
	Error string `json:"error"`
}

func CreateRoom(coord *tactics.Coordinator, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createRoomRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad json"})
			return
		}
		if id := r.Header.Get(ws.IdentityHeader); id != "" {
			req.Identity = id
		}
		if req.DisplayName == "" {
			req.DisplayName = req.Identity
		}

		room, err := coord.CreateRoom(r.Context(), engine.Member{Identity: req.Identity, DisplayName: req.DisplayName})
		if err != nil {
			writeErr(w, log, err)
			return
		}
		writeJSON(w, http.StatusCreated, room)
	}
}

func GetRoom(coord *tactics.Coordinator, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		room, err := coord.GetRoom(r.Context(), chi.URLParam(r, "code"))
		if err != nil {
			writeErr(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, room)
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, log *zap.Logger, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrMalformedRoom):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrResourceExhausted), errors.Is(err, engine.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		log.Warn("request failed", zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: ws.ErrorCode(err)})
}
