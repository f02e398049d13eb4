package tactics

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/tactics-room-backend/internal/docstore"
	"github.com/DoyleJ11/tactics-room-backend/internal/engine"
)

// Update is one observation of a room as seen by one identity. Closed is set
// exactly once, on the last update, when the room no longer exists.
type Update struct {
	Room     engine.Room
	IsLeader bool
	Closed   bool
}

// advanceTarget is the pre-image a leader timer was scheduled for.
type advanceTarget struct {
	phase    engine.Phase
	deadline time.Time
}

type session struct {
	coord    *Coordinator
	code     string
	identity string
	log      *zap.Logger
	out      chan Update

	timer  *time.Timer
	target *advanceTarget
	latest *engine.Room
}

// Subscribe streams decoded room updates for identity. When identity leads
// the room, the session also owns the phase timer: at most one is pending,
// and it is replaced on every snapshot. The channel is closed after a Closed
// update or when ctx ends. Slow readers only see the newest update.
func (c *Coordinator) Subscribe(ctx context.Context, code, identity string) (<-chan Update, error) {
	snaps, err := c.store.Subscribe(ctx, code)
	if err != nil {
		return nil, c.storeErr(err)
	}

	s := &session{
		coord:    c,
		code:     code,
		identity: identity,
		log:      c.log.With(zap.String("code", code), zap.String("identity", identity)),
		out:      make(chan Update, 1),
	}
	go s.run(ctx, snaps)
	return s.out, nil
}

func (s *session) run(ctx context.Context, snaps <-chan docstore.Snapshot) {
	defer close(s.out)
	defer s.disarm()

	for {
		var fire <-chan time.Time
		if s.timer != nil {
			fire = s.timer.C
		}

		select {
		case <-ctx.Done():
			return

		case snap, ok := <-snaps:
			if !ok {
				return
			}
			if !snap.Exists {
				s.log.Debug("room closed")
				emit(s.out, Update{Closed: true})
				return
			}
			room, err := engine.Decode(snap.Data)
			if err != nil {
				s.log.Warn("skipping malformed room snapshot", zap.Int64("version", snap.Version), zap.Error(err))
				continue
			}
			s.latest = &room
			isLeader := room.IsLeader(s.identity)
			emit(s.out, Update{Room: room, IsLeader: isLeader})
			s.schedule(room, isLeader)

		case <-fire:
			s.timer = nil
			s.advance(ctx)
		}
	}
}

// schedule arms the phase timer for room when identity leads it, replacing
// any timer already pending.
func (s *session) schedule(room engine.Room, isLeader bool) {
	s.disarm()
	if !isLeader || room.Deadline == nil {
		return
	}
	s.arm(&advanceTarget{phase: room.Phase, deadline: *room.Deadline}, room.Deadline.Sub(s.coord.now()))
}

func (s *session) arm(t *advanceTarget, wait time.Duration) {
	s.disarm()
	s.target = t
	s.timer = time.NewTimer(max(0, wait))
}

func (s *session) disarm() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = nil
	s.target = nil
}

func (s *session) advance(ctx context.Context) {
	t := s.target
	s.target = nil
	if t == nil {
		return
	}

	_, err := s.coord.AdvancePhase(ctx, s.code, s.identity, t.phase, t.deadline)
	switch {
	case err == nil:
		// the resulting snapshot schedules the next timer
	case errors.Is(err, engine.ErrDeadlineNotReached):
		s.arm(t, t.deadline.Sub(s.coord.now()))
	case errors.Is(err, engine.ErrStale), errors.Is(err, engine.ErrUnauthorized), errors.Is(err, engine.ErrNotFound):
		s.log.Debug("phase advance skipped", zap.String("phase", string(t.phase)), zap.Error(err))
	case ctx.Err() != nil:
	default:
		s.log.Warn("phase advance failed, retrying", zap.String("phase", string(t.phase)), zap.Error(err))
		if s.latest != nil && s.latest.IsLeader(s.identity) && s.latest.Phase == t.phase {
			s.arm(t, s.coord.retryWait)
		}
	}
}

// emit replaces an unread update with u. The session is the only sender.
func emit(ch chan Update, u Update) {
	select {
	case ch <- u:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- u
}
