package tactics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/tactics-room-backend/internal/engine"
)

func shortRules(selection, execution time.Duration) engine.Rules {
	r := engine.DefaultRules()
	r.SelectionWindow = selection
	r.ExecutionWindow = execution
	return r
}

// helper: receive one update with a timeout so tests never hang
func recvUpdate(t *testing.T, ch <-chan Update, within time.Duration) Update {
	t.Helper()
	select {
	case u, ok := <-ch:
		if !ok {
			t.Fatalf("updates closed unexpectedly")
		}
		return u
	case <-time.After(within):
		t.Fatalf("timed out waiting for update")
		return Update{}
	}
}

// waitFor reads updates until match returns true.
func waitFor(t *testing.T, ch <-chan Update, within time.Duration, match func(Update) bool) Update {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case u, ok := <-ch:
			if !ok {
				t.Fatalf("updates closed before the expected one arrived")
			}
			if match(u) {
				return u
			}
		case <-deadline:
			t.Fatalf("expected update not seen within %v", within)
			return Update{}
		}
	}
}

func inPhase(p engine.Phase) func(Update) bool {
	return func(u Update) bool { return !u.Closed && u.Room.Phase == p }
}

func TestSession_FirstUpdateIsCurrentState(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := newTestCoordinator(t)

	room, err := c.CreateRoom(ctx, member("A"))
	require.NoError(t, err)
	_, err = c.JoinRoom(ctx, room.Code, member("B"))
	require.NoError(t, err)

	leader, err := c.Subscribe(ctx, room.Code, "A")
	require.NoError(t, err)
	follower, err := c.Subscribe(ctx, room.Code, "B")
	require.NoError(t, err)

	u := recvUpdate(t, leader, 200*time.Millisecond)
	assert.True(t, u.IsLeader)
	assert.Len(t, u.Room.Members, 2)

	u = recvUpdate(t, follower, 200*time.Millisecond)
	assert.False(t, u.IsLeader)
	assert.Equal(t, "A", u.Room.LeaderID)
}

func TestSession_LeaderDrivesPhaseCycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := newTestCoordinator(t, WithRules(shortRules(40*time.Millisecond, 40*time.Millisecond)))

	room, err := c.CreateRoom(ctx, member("A"))
	require.NoError(t, err)
	updates, err := c.Subscribe(ctx, room.Code, "A")
	require.NoError(t, err)
	waitFor(t, updates, 200*time.Millisecond, inPhase(engine.PhaseLobby))

	_, err = c.StartActivity(ctx, room.Code, "A", "X", "")
	require.NoError(t, err)

	waitFor(t, updates, 500*time.Millisecond, inPhase(engine.PhaseSelection))
	exec := waitFor(t, updates, 500*time.Millisecond, inPhase(engine.PhaseExecution))
	require.NotNil(t, exec.Room.Deadline)

	back := waitFor(t, updates, 500*time.Millisecond, inPhase(engine.PhaseLobby))
	assert.Nil(t, back.Room.Deadline)
	assert.Nil(t, back.Room.ActiveSelectionID)
	assert.Empty(t, back.Room.Claims)
}

func TestSession_FollowerNeverAdvances(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := newTestCoordinator(t, WithRules(shortRules(20*time.Millisecond, 20*time.Millisecond)))

	room, err := c.CreateRoom(ctx, member("A"))
	require.NoError(t, err)
	_, err = c.JoinRoom(ctx, room.Code, member("B"))
	require.NoError(t, err)

	updates, err := c.Subscribe(ctx, room.Code, "B")
	require.NoError(t, err)
	_, err = c.StartActivity(ctx, room.Code, "A", "X", "")
	require.NoError(t, err)
	waitFor(t, updates, 200*time.Millisecond, inPhase(engine.PhaseSelection))

	time.Sleep(100 * time.Millisecond)
	got, err := c.GetRoom(ctx, room.Code)
	require.NoError(t, err)
	assert.Equal(t, engine.PhaseSelection, got.Phase, "only the leader may advance")
}

func TestSession_PassedDeadlineAdvancesImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := newTestCoordinator(t, WithRules(shortRules(10*time.Millisecond, time.Minute)))

	room, err := c.CreateRoom(ctx, member("A"))
	require.NoError(t, err)
	_, err = c.StartActivity(ctx, room.Code, "A", "X", "")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	updates, err := c.Subscribe(ctx, room.Code, "A")
	require.NoError(t, err)
	waitFor(t, updates, 200*time.Millisecond, inPhase(engine.PhaseExecution))
}

func TestSession_NewLeaderTakesOverTimer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := newTestCoordinator(t, WithRules(shortRules(60*time.Millisecond, time.Minute)))

	room, err := c.CreateRoom(ctx, member("A"))
	require.NoError(t, err)
	_, err = c.JoinRoom(ctx, room.Code, member("B"))
	require.NoError(t, err)

	updates, err := c.Subscribe(ctx, room.Code, "B")
	require.NoError(t, err)
	_, err = c.StartActivity(ctx, room.Code, "A", "X", "")
	require.NoError(t, err)
	_, _, err = c.LeaveRoom(ctx, room.Code, "A")
	require.NoError(t, err)

	u := waitFor(t, updates, 500*time.Millisecond, inPhase(engine.PhaseExecution))
	assert.True(t, u.IsLeader)
	assert.Equal(t, "B", u.Room.LeaderID)
}

func TestSession_RoomClosedIsTerminal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := newTestCoordinator(t)

	room, err := c.CreateRoom(ctx, member("A"))
	require.NoError(t, err)
	updates, err := c.Subscribe(ctx, room.Code, "A")
	require.NoError(t, err)
	recvUpdate(t, updates, 200*time.Millisecond)

	_, closed, err := c.LeaveRoom(ctx, room.Code, "A")
	require.NoError(t, err)
	require.True(t, closed)

	last := waitFor(t, updates, 200*time.Millisecond, func(u Update) bool { return u.Closed })
	assert.True(t, last.Closed)

	select {
	case _, ok := <-updates:
		assert.False(t, ok, "no updates after the room closed")
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("updates not closed after room closed")
	}
}

func TestSession_MissingRoom(t *testing.T) {
	c := newTestCoordinator(t)
	_, err := c.Subscribe(context.Background(), "424242", "A")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestSession_CancelStopsUpdates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := newTestCoordinator(t)

	room, err := c.CreateRoom(ctx, member("A"))
	require.NoError(t, err)
	updates, err := c.Subscribe(ctx, room.Code, "A")
	require.NoError(t, err)
	recvUpdate(t, updates, 200*time.Millisecond)

	cancel()
	deadline := time.After(200 * time.Millisecond)
	for {
		select {
		case u, ok := <-updates:
			if !ok {
				return
			}
			assert.False(t, u.Closed)
		case <-deadline:
			t.Fatalf("updates not closed after cancel")
		}
	}
}
