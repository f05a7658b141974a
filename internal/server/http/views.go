package http

import (
	"time"

	"mira/internal/agentrun"
)

// ownerView is the wire shape of a run owner.
type ownerView struct {
	Kind      string `json:"kind"`
	SubjectID string `json:"subject_id"`
	SlotKey   string `json:"slot_key"`
}

func viewOfOwner(owner agentrun.RunOwner) ownerView {
	return ownerView{
		Kind:      string(owner.Kind),
		SubjectID: owner.SubjectID,
		SlotKey:   owner.SlotKey,
	}
}

func (v ownerView) owner() agentrun.RunOwner {
	return agentrun.RunOwner{
		Kind:      agentrun.TaskKind(v.Kind),
		SubjectID: v.SubjectID,
		SlotKey:   v.SlotKey,
	}
}

// runStateView is the wire shape of a run's current state. The activation
// token is deliberately absent: it is a server-internal credential.
type runStateView struct {
	TaskID         string    `json:"task_id"`
	Owner          ownerView `json:"owner"`
	Phase          string    `json:"phase"`
	StatusText     string    `json:"status_text,omitempty"`
	Progress       *float64  `json:"progress,omitempty"`
	TerminalReason string    `json:"terminal_reason,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func viewOfState(state agentrun.RunState) runStateView {
	return runStateView{
		TaskID:         state.TaskID,
		Owner:          viewOfOwner(state.Owner),
		Phase:          string(state.Phase),
		StatusText:     state.StatusText,
		Progress:       state.Progress,
		TerminalReason: string(state.TerminalReason),
		UpdatedAt:      state.UpdatedAt,
	}
}

// snapshotView flattens the engine snapshot into JSON-friendly maps keyed by
// kind name.
type snapshotView struct {
	Active  map[string][]ownerView  `json:"active"`
	Waiting map[string][]ownerView  `json:"waiting"`
	States  map[string]runStateView `json:"states"`
	TakenAt time.Time               `json:"taken_at"`
}

func viewOfSnapshot(snapshot agentrun.RunSnapshot) snapshotView {
	view := snapshotView{
		Active:  make(map[string][]ownerView, len(snapshot.Active)),
		Waiting: make(map[string][]ownerView, len(snapshot.Waiting)),
		States:  make(map[string]runStateView, len(snapshot.States)),
		TakenAt: snapshot.TakenAt,
	}
	for kind, owners := range snapshot.Active {
		views := make([]ownerView, 0, len(owners))
		for _, owner := range owners {
			views = append(views, viewOfOwner(owner))
		}
		view.Active[string(kind)] = views
	}
	for kind, owners := range snapshot.Waiting {
		views := make([]ownerView, 0, len(owners))
		for _, owner := range owners {
			views = append(views, viewOfOwner(owner))
		}
		view.Waiting[string(kind)] = views
	}
	for owner, state := range snapshot.States {
		view.States[owner.String()] = viewOfState(state)
	}
	return view
}
