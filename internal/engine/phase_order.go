package engine

import "time"

// PhaseOrder lists the automatic, deadline-driven transitions. LOBBY has no
// entry: leaving it requires an explicit StartActivity by the leader.
var PhaseOrder = map[Phase]Phase{
	PhaseSelection: PhaseExecution,
	PhaseExecution: PhaseLobby,
}

func NextPhase(p Phase) (Phase, bool) {
	next, ok := PhaseOrder[p]
	return next, ok
}

// window returns how long a room stays in p before the leader advances it.
func (r Rules) window(p Phase) time.Duration {
	switch p {
	case PhaseSelection:
		return r.SelectionWindow
	case PhaseExecution:
		return r.ExecutionWindow
	default:
		return 0
	}
}

func deadlineAfter(now time.Time, d time.Duration) *time.Time {
	t := now.Add(d).UTC().Truncate(time.Millisecond)
	return &t
}
