package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/DoyleJ11/tactics-room-backend/internal/engine"
	"github.com/DoyleJ11/tactics-room-backend/internal/tactics"
	"github.com/DoyleJ11/tactics-room-backend/internal/types"
)

const (
	idleTimeout  = 5 * time.Minute
	writeTimeout = 3 * time.Second
	outboxSize   = 16
)

// IdentityHeader carries the identity issued by the identity provider. The
// identity query parameter is accepted for browsers, which cannot set
// headers on a websocket upgrade.
const IdentityHeader = "X-Identity"

// Handler upgrades the request and binds the connection to one tactics
// client. Dropping the connection does not leave the room; only an explicit
// leaveRoom or the retention sweep removes the member.
func Handler(coord *tactics.Coordinator, log *zap.Logger, opts *websocket.AcceptOptions) http.HandlerFunc {
	log = log.Named("ws")
	return func(w http.ResponseWriter, r *http.Request) {
		identity := r.Header.Get(IdentityHeader)
		if identity == "" {
			identity = r.URL.Query().Get("identity")
		}
		if identity == "" {
			http.Error(w, "missing identity", http.StatusUnauthorized)
			return
		}
		name := r.URL.Query().Get("name")
		if name == "" {
			name = identity
		}

		conn, err := websocket.Accept(w, r, opts)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		p := &peer{
			client: tactics.NewClient(coord, identity, name),
			log:    log.With(zap.String("conn", uuid.NewString()), zap.String("identity", identity)),
			out:    make(chan types.ServerMessage, outboxSize),
			ctx:    ctx,
			cancel: cancel,
		}
		p.log.Debug("connected")
		defer p.log.Debug("disconnected")

		var writer sync.WaitGroup
		writer.Add(1)
		go func() {
			defer writer.Done()
			p.writeLoop(conn)
		}()
		defer writer.Wait()
		defer p.unwatch()
		defer cancel()

		if code := r.URL.Query().Get("code"); code != "" {
			p.handle(types.ClientMessage{Type: types.CmdJoinRoom, Code: code})
		}

		for {
			readCtx, readCancel := context.WithTimeout(ctx, idleTimeout)
			_, data, err := conn.Read(readCtx)
			readCancel()
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				default:
					if ctx.Err() == nil {
						p.log.Debug("read failed", zap.Error(err))
					}
				}
				return
			}

			var cm types.ClientMessage
			if err := json.Unmarshal(data, &cm); err != nil {
				p.send(types.ServerMessage{Type: types.MsgError, Error: types.ErrCodeBadRequest})
				continue
			}
			p.handle(cm)
		}
	}
}

// peer is the state of one websocket connection.
type peer struct {
	client *tactics.Client
	log    *zap.Logger
	out    chan types.ServerMessage
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	watchCancel context.CancelFunc
	watchers    sync.WaitGroup
}

func (p *peer) writeLoop(conn *websocket.Conn) {
	for {
		select {
		case <-p.ctx.Done():
			return
		case msg := <-p.out:
			payload, err := json.Marshal(msg)
			if err != nil {
				p.log.Error("encode message", zap.Error(err))
				continue
			}
			ctx, cancel := context.WithTimeout(p.ctx, writeTimeout)
			err = conn.Write(ctx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				p.cancel()
				return
			}
		}
	}
}

func (p *peer) send(msg types.ServerMessage) {
	select {
	case p.out <- msg:
	case <-p.ctx.Done():
	}
}

func (p *peer) sendErr(err error) {
	p.send(types.ServerMessage{Type: types.MsgError, Error: ErrorCode(err)})
}

func (p *peer) handle(cm types.ClientMessage) {
	ctx := p.ctx
	switch cm.Type {
	case types.CmdCreateRoom:
		room, err := p.client.CreateRoom(ctx)
		if err != nil {
			p.sendErr(err)
			return
		}
		p.watch(room.Code)

	case types.CmdJoinRoom:
		if cm.Code == "" {
			p.sendErr(engine.ErrInvalidArgument)
			return
		}
		if _, err := p.client.JoinRoom(ctx, cm.Code); err != nil {
			p.sendErr(err)
			return
		}
		p.watch(cm.Code)

	case types.CmdLeaveRoom:
		code := p.client.Code()
		p.unwatch()
		if err := p.client.LeaveRoom(ctx); err != nil {
			p.sendErr(err)
			return
		}
		p.send(types.ServerMessage{Type: types.MsgRoomClosed, Code: code})

	case types.CmdSetMapSelection:
		if err := p.client.SetMapSelection(ctx, cm.MapSelection); err != nil {
			p.sendErr(err)
		}

	case types.CmdStartActivity:
		if err := p.client.StartActivity(ctx, cm.ActivityID); err != nil {
			p.sendErr(err)
		}

	case types.CmdToggleClaim:
		outcome, err := p.client.ToggleClaim(ctx, cm.SlotID)
		if err != nil {
			p.sendErr(err)
			return
		}
		p.send(types.ServerMessage{Type: types.MsgClaimResult, SlotID: cm.SlotID, Outcome: string(outcome)})

	default:
		p.send(types.ServerMessage{Type: types.MsgError, Error: types.ErrCodeBadRequest})
	}
}

// watch replaces the current room subscription with one for code.
func (p *peer) watch(code string) {
	p.unwatch()

	ctx, cancel := context.WithCancel(p.ctx)
	p.mu.Lock()
	p.watchCancel = cancel
	p.mu.Unlock()

	p.watchers.Add(1)
	go func() {
		defer p.watchers.Done()
		err := p.client.Subscribe(ctx, func(u tactics.Update) {
			if u.Closed {
				p.send(types.ServerMessage{Type: types.MsgRoomClosed, Code: code})
				return
			}
			room := u.Room
			p.send(types.ServerMessage{Type: types.MsgRoomSnapshot, Room: &room, IsLeader: u.IsLeader})
		})
		if err != nil && ctx.Err() == nil {
			p.sendErr(err)
		}
	}()
}

func (p *peer) unwatch() {
	p.mu.Lock()
	cancel := p.watchCancel
	p.watchCancel = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.watchers.Wait()
}

// ErrorCode maps a coordinator error onto the wire error code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		return types.ErrCodeNotFound
	case errors.Is(err, engine.ErrRoomFull):
		return types.ErrCodeRoomFull
	case errors.Is(err, engine.ErrQuotaExceeded):
		return types.ErrCodeQuotaExceeded
	case errors.Is(err, engine.ErrUnauthorized):
		return types.ErrCodeUnauthorized
	case errors.Is(err, engine.ErrWrongPhase):
		return types.ErrCodeWrongPhase
	case errors.Is(err, engine.ErrNotMember):
		return types.ErrCodeNotMember
	case errors.Is(err, engine.ErrUnknownSlot):
		return types.ErrCodeUnknownSlot
	case errors.Is(err, engine.ErrInvalidArgument):
		return types.ErrCodeBadRequest
	case errors.Is(err, tactics.ErrNoRoom):
		return types.ErrCodeNoRoom
	case errors.Is(err, engine.ErrMalformedRoom):
		return types.ErrCodeMalformedRoom
	case errors.Is(err, engine.ErrResourceExhausted):
		return types.ErrCodeResourceExhausted
	case errors.Is(err, engine.ErrStoreUnavailable):
		return types.ErrCodeStoreUnavailable
	}
	return types.ErrCodeInternal
}
