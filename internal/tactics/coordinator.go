// Package tactics coordinates rooms on top of a docstore.Store: room codes,
// membership, phase transitions, claims and live sessions. Every change to a
// room is a single-document transaction that re-validates against the latest
// committed state before writing.
package tactics

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/DoyleJ11/tactics-room-backend/internal/docstore"
	"github.com/DoyleJ11/tactics-room-backend/internal/engine"
)

const (
	codeDigits       = 6
	maxCodeAttempts  = 20
	defaultRetryWait = time.Second
)

// ErrNoRoom is returned by Client calls that need a room before one was
// created or joined.
var ErrNoRoom = errors.New("client is not in a room")

// domainErrors are final answers from the rules; retrying cannot change them.
var domainErrors = []error{
	engine.ErrNotFound,
	engine.ErrRoomFull,
	engine.ErrQuotaExceeded,
	engine.ErrUnauthorized,
	engine.ErrResourceExhausted,
	engine.ErrWrongPhase,
	engine.ErrNotMember,
	engine.ErrUnknownSlot,
	engine.ErrStale,
	engine.ErrDeadlineNotReached,
	engine.ErrMalformedRoom,
	engine.ErrInvalidArgument,
}

type Coordinator struct {
	store     docstore.Store
	rules     engine.Rules
	log       *zap.Logger
	now       func() time.Time
	newCode   func() (string, error)
	newRetry  func() backoff.BackOff
	retryWait time.Duration
}

type Option func(*Coordinator)

func WithRules(r engine.Rules) Option {
	return func(c *Coordinator) { c.rules = r }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func WithCodeGenerator(gen func() (string, error)) Option {
	return func(c *Coordinator) { c.newCode = gen }
}

// WithRetry sets the backoff used when the store is unavailable. wait is how
// long a leader session waits before re-trying a failed phase advance.
func WithRetry(newBackOff func() backoff.BackOff, wait time.Duration) Option {
	return func(c *Coordinator) {
		c.newRetry = newBackOff
		c.retryWait = wait
	}
}

func NewCoordinator(store docstore.Store, log *zap.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     store,
		rules:     engine.DefaultRules(),
		log:       log.Named("tactics"),
		now:       time.Now,
		newCode:   GenerateCode,
		newRetry:  defaultBackOff,
		retryWait: defaultRetryWait,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) Rules() engine.Rules { return c.rules }

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 5 * time.Second
	return b
}

// GenerateCode returns a random fixed-width numeric room code.
func GenerateCode() (string, error) {
	space := big.NewInt(1_000_000)
	n, err := rand.Int(rand.Reader, space)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}

// CreateRoom picks an unused code and stores a new room with leader as its
// only member.
func (c *Coordinator) CreateRoom(ctx context.Context, leader engine.Member) (engine.Room, error) {
	if leader.Identity == "" {
		return engine.Room{}, engine.ErrInvalidArgument
	}

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := c.newCode()
		if err != nil {
			return engine.Room{}, fmt.Errorf("generate room code: %w", err)
		}

		_, err = c.store.Get(ctx, code)
		if err == nil {
			c.log.Debug("room code collision, regenerating", zap.String("code", code))
			continue
		}
		if !errors.Is(err, docstore.ErrNotFound) {
			return engine.Room{}, c.storeErr(err)
		}

		room := engine.NewRoom(code, leader, c.now())
		data, err := engine.Encode(room)
		if err != nil {
			return engine.Room{}, err
		}
		if err := c.store.Create(ctx, code, data); err != nil {
			if errors.Is(err, docstore.ErrExists) {
				c.log.Debug("room code taken concurrently, regenerating", zap.String("code", code))
				continue
			}
			return engine.Room{}, c.storeErr(err)
		}

		c.log.Info("room created", zap.String("code", code), zap.String("leader", leader.Identity))
		return room, nil
	}
	return engine.Room{}, engine.ErrResourceExhausted
}

func (c *Coordinator) GetRoom(ctx context.Context, code string) (engine.Room, error) {
	snap, err := c.store.Get(ctx, code)
	if err != nil {
		return engine.Room{}, c.storeErr(err)
	}
	return engine.Decode(snap.Data)
}

func (c *Coordinator) JoinRoom(ctx context.Context, code string, m engine.Member) (engine.Room, error) {
	room, _, err := c.transact(ctx, code, func(r engine.Room) (engine.Room, txAction, error) {
		if r.IsMember(m.Identity) {
			return r, txKeep, nil
		}
		next, err := engine.Join(r, m, c.rules)
		return next, txPut, err
	})
	if err != nil {
		return engine.Room{}, err
	}
	c.log.Debug("member joined", zap.String("code", code), zap.String("identity", m.Identity))
	return room, nil
}

// LeaveRoom removes identity from the room. closed reports that the room was
// deleted because nobody is left.
func (c *Coordinator) LeaveRoom(ctx context.Context, code, identity string) (room engine.Room, closed bool, err error) {
	var prevLeader string
	room, action, err := c.transact(ctx, code, func(r engine.Room) (engine.Room, txAction, error) {
		prevLeader = r.LeaderID
		if !r.IsMember(identity) {
			return r, txKeep, nil
		}
		next, empty := engine.Leave(r, identity)
		if empty {
			return next, txDelete, nil
		}
		return next, txPut, nil
	})
	if err != nil {
		return engine.Room{}, false, err
	}

	if action == txDelete {
		c.log.Info("room closed, last member left", zap.String("code", code), zap.String("identity", identity))
		return room, true, nil
	}
	c.log.Debug("member left", zap.String("code", code), zap.String("identity", identity))
	if room.LeaderID != prevLeader {
		c.log.Info("leader reassigned", zap.String("code", code), zap.String("from", prevLeader), zap.String("to", room.LeaderID))
	}
	return room, false, nil
}

// StartActivity moves a LOBBY room into SELECTION. An empty mapSelection keeps
// the map already chosen.
func (c *Coordinator) StartActivity(ctx context.Context, code, caller, activityID, mapSelection string) (engine.Room, error) {
	room, _, err := c.transact(ctx, code, func(r engine.Room) (engine.Room, txAction, error) {
		next, err := engine.StartActivity(r, caller, activityID, mapSelection, c.now(), c.rules)
		return next, txPut, err
	})
	if err != nil {
		return engine.Room{}, err
	}
	c.log.Info("activity started",
		zap.String("code", code),
		zap.String("activity", activityID),
		zap.Timep("deadline", room.Deadline),
	)
	return room, nil
}

// SetMapSelection records the leader's map choice while the room is in LOBBY.
// Leadership and phase are checked inside the same transaction that writes.
func (c *Coordinator) SetMapSelection(ctx context.Context, code, caller, mapID string) error {
	_, _, err := c.transact(ctx, code, func(r engine.Room) (engine.Room, txAction, error) {
		next, err := engine.SetMapSelection(r, caller, mapID)
		return next, txPut, err
	})
	if err != nil {
		return err
	}
	c.log.Debug("map selected", zap.String("code", code), zap.String("map", mapID))
	return nil
}

// AdvancePhase commits the deadline transition out of expected, provided the
// room still sits in expected with the same deadline and caller still leads.
func (c *Coordinator) AdvancePhase(ctx context.Context, code, caller string, expected engine.Phase, expectedDeadline time.Time) (engine.Room, error) {
	room, _, err := c.transact(ctx, code, func(r engine.Room) (engine.Room, txAction, error) {
		next, err := engine.Advance(r, caller, expected, expectedDeadline, c.now(), c.rules)
		return next, txPut, err
	})
	if err != nil {
		return engine.Room{}, err
	}
	c.log.Info("phase advanced",
		zap.String("code", code),
		zap.String("from", string(expected)),
		zap.String("to", string(room.Phase)),
	)
	return room, nil
}

func (c *Coordinator) ToggleClaim(ctx context.Context, code, caller, slotID string) (engine.Room, engine.ClaimOutcome, error) {
	var outcome engine.ClaimOutcome
	room, _, err := c.transact(ctx, code, func(r engine.Room) (engine.Room, txAction, error) {
		next, out, err := engine.ToggleClaim(r, caller, slotID, c.rules)
		outcome = out
		if err != nil || out == engine.ClaimIgnored {
			return next, txKeep, err
		}
		return next, txPut, nil
	})
	if err != nil {
		return engine.Room{}, "", err
	}
	c.log.Debug("claim toggled",
		zap.String("code", code),
		zap.String("slot", slotID),
		zap.String("identity", caller),
		zap.String("outcome", string(outcome)),
	)
	return room, outcome, nil
}

type txAction int

const (
	txPut txAction = iota
	txKeep
	txDelete
)

// transact decodes the room, runs fn and commits what it decided, retrying
// with backoff while the store is unavailable.
func (c *Coordinator) transact(ctx context.Context, code string, fn func(engine.Room) (engine.Room, txAction, error)) (engine.Room, txAction, error) {
	var (
		room   engine.Room
		action txAction
	)
	op := func() error {
		_, err := c.store.Transact(ctx, code, func(cur []byte) (docstore.Mutation, error) {
			r, err := engine.Decode(cur)
			if err != nil {
				return docstore.Mutation{}, err
			}
			next, act, err := fn(r)
			if err != nil {
				return docstore.Mutation{}, err
			}
			room, action = next, act

			switch act {
			case txKeep:
				return docstore.Keep(), nil
			case txDelete:
				return docstore.DeleteDoc(), nil
			}
			data, err := engine.Encode(next)
			if err != nil {
				return docstore.Mutation{}, err
			}
			return docstore.Put(data), nil
		})
		if err == nil {
			return nil
		}
		err = c.storeErr(err)
		if !errors.Is(err, engine.ErrStoreUnavailable) {
			return backoff.Permanent(err)
		}
		c.log.Warn("room transaction failed", zap.String("code", code), zap.Error(err))
		return err
	}

	if err := backoff.Retry(op, backoff.WithContext(c.newRetry(), ctx)); err != nil {
		return engine.Room{}, 0, err
	}
	return room, action, nil
}

// storeErr maps store failures onto the room error taxonomy. Domain and
// context errors pass through unchanged.
func (c *Coordinator) storeErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, docstore.ErrNotFound):
		return engine.ErrNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case isDomainErr(err):
		return err
	}
	return fmt.Errorf("%w: %w", engine.ErrStoreUnavailable, err)
}

func isDomainErr(err error) bool {
	for _, d := range domainErrors {
		if errors.Is(err, d) {
			return true
		}
	}
	return false
}
