package tactics

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/DoyleJ11/tactics-room-backend/internal/docstore"
	"github.com/DoyleJ11/tactics-room-backend/internal/engine"
)

// Client is one identity's handle on the coordinator. It remembers the room
// it created or joined, and treats leader-only calls made from a stale view
// (not leader, wrong phase) as no-ops.
type Client struct {
	coord *Coordinator
	me    engine.Member
	log   *zap.Logger

	mu   sync.Mutex
	code string
}

func NewClient(coord *Coordinator, identity, displayName string) *Client {
	return &Client{
		coord: coord,
		me:    engine.Member{Identity: identity, DisplayName: displayName},
		log:   coord.log.With(zap.String("identity", identity)),
	}
}

func (c *Client) Identity() string { return c.me.Identity }

// Code returns the current room code, or "" when not in a room.
func (c *Client) Code() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

func (c *Client) setCode(code string) {
	c.mu.Lock()
	c.code = code
	c.mu.Unlock()
}

func (c *Client) room() (string, error) {
	code := c.Code()
	if code == "" {
		return "", ErrNoRoom
	}
	return code, nil
}

// CreateRoom leaves the current room, if any, and creates a new one led by
// this client.
func (c *Client) CreateRoom(ctx context.Context) (engine.Room, error) {
	if err := c.leaveOther(ctx, ""); err != nil {
		return engine.Room{}, err
	}
	room, err := c.coord.CreateRoom(ctx, c.me)
	if err != nil {
		return engine.Room{}, err
	}
	c.setCode(room.Code)
	return room, nil
}

// JoinRoom joins code, leaving the current room first when it is a different
// one. A client is a member of at most one room.
func (c *Client) JoinRoom(ctx context.Context, code string) (engine.Room, error) {
	if err := c.leaveOther(ctx, code); err != nil {
		return engine.Room{}, err
	}
	room, err := c.coord.JoinRoom(ctx, code, c.me)
	if err != nil {
		return engine.Room{}, err
	}
	c.setCode(code)
	return room, nil
}

// LeaveRoom leaves the current room. A room that is already gone counts as
// left.
func (c *Client) LeaveRoom(ctx context.Context) error {
	code, err := c.room()
	if err != nil {
		return err
	}
	_, _, err = c.coord.LeaveRoom(ctx, code, c.me.Identity)
	if err != nil && !errors.Is(err, engine.ErrNotFound) {
		return err
	}
	c.setCode("")
	return nil
}

// leaveOther leaves the current room unless it is keep.
func (c *Client) leaveOther(ctx context.Context, keep string) error {
	code := c.Code()
	if code == "" || code == keep {
		return nil
	}
	_, _, err := c.coord.LeaveRoom(ctx, code, c.me.Identity)
	if err != nil && !errors.Is(err, engine.ErrNotFound) {
		return err
	}
	c.log.Debug("left previous room", zap.String("code", code))
	c.setCode("")
	return nil
}

func (c *Client) SetMapSelection(ctx context.Context, mapID string) error {
	code, err := c.room()
	if err != nil {
		return err
	}
	return c.ignoreStale(c.coord.SetMapSelection(ctx, code, c.me.Identity, mapID))
}

func (c *Client) StartActivity(ctx context.Context, activityID string) error {
	code, err := c.room()
	if err != nil {
		return err
	}
	_, err = c.coord.StartActivity(ctx, code, c.me.Identity, activityID, "")
	return c.ignoreStale(err)
}

func (c *Client) ToggleClaim(ctx context.Context, slotID string) (engine.ClaimOutcome, error) {
	code, err := c.room()
	if err != nil {
		return "", err
	}
	_, outcome, err := c.coord.ToggleClaim(ctx, code, c.me.Identity, slotID)
	return outcome, err
}

// Subscribe calls onUpdate for every update of the current room until the
// room closes (nil) or ctx ends (ctx.Err()). If the store shuts the stream
// down first it returns an ErrStoreUnavailable error and keeps the room.
func (c *Client) Subscribe(ctx context.Context, onUpdate func(Update)) error {
	code, err := c.room()
	if err != nil {
		return err
	}
	updates, err := c.coord.Subscribe(ctx, code, c.me.Identity)
	if err != nil {
		return err
	}
	for u := range updates {
		onUpdate(u)
		if u.Closed {
			c.mu.Lock()
			if c.code == code {
				c.code = ""
			}
			c.mu.Unlock()
			return nil
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fmt.Errorf("%w: %w", engine.ErrStoreUnavailable, docstore.ErrClosed)
}

func (c *Client) ignoreStale(err error) error {
	if errors.Is(err, engine.ErrUnauthorized) || errors.Is(err, engine.ErrWrongPhase) {
		c.log.Debug("leader-only call ignored", zap.Error(err))
		return nil
	}
	return err
}
