package mailbox

import (
	"slices"
	"time"
)

// ActionKind names a user initiated mailbox mutation.
type ActionKind string

const (
	ActionTrash   ActionKind = "trash"
	ActionArchive ActionKind = "archive"
	ActionSpam    ActionKind = "spam"
	ActionStar    ActionKind = "star"
	ActionUnstar  ActionKind = "unstar"
	ActionRead    ActionKind = "read"
	ActionUnread  ActionKind = "unread"
	ActionLabelAs ActionKind = "labelAs"
	ActionMoveTo  ActionKind = "moveTo"
	ActionDelete  ActionKind = "delete"
)

// Valid reports whether k is a known action.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionTrash, ActionArchive, ActionSpam, ActionStar, ActionUnstar,
		ActionRead, ActionUnread, ActionLabelAs, ActionMoveTo, ActionDelete:
		return true
	}
	return false
}

// Destination returns the fixed folder of the folder-moving actions.
func (k ActionKind) Destination() (LabelID, bool) {
	switch k {
	case ActionTrash:
		return LabelTrash, true
	case ActionArchive:
		return LabelArchive, true
	case ActionSpam:
		return LabelSpam, true
	}
	return "", false
}

// UndoKind is the identity used to pair a pending action with the undo
// tokens the server returns for it.
type UndoKind string

const (
	UndoArchive UndoKind = "archive"
	UndoTrash   UndoKind = "trash"
	UndoSpam    UndoKind = "spam"
)

// UndoKindFor maps a destination label to its undo identity. Moves to
// archive, trash and spam collapse onto their own kinds whatever action
// produced them.
func UndoKindFor(dest LabelID) UndoKind {
	switch dest {
	case LabelArchive:
		return UndoArchive
	case LabelTrash:
		return UndoTrash
	case LabelSpam:
		return UndoSpam
	}
	return UndoKind("custom:" + string(dest))
}

// ItemChange records what a local mutation did to one item so it can be
// reverted.
type ItemChange struct {
	ItemID       ItemID    `json:"item_id"`
	Added        []LabelID `json:"added,omitempty"`
	Removed      []LabelID `json:"removed,omitempty"`
	UnreadBefore bool      `json:"unread_before"`
	UnreadAfter  bool      `json:"unread_after"`
}

// PendingAction is an optimistic mutation eligible for undo.
type PendingAction struct {
	ID           string
	Kind         ActionKind
	UndoKind     UndoKind
	ItemKind     ItemKind
	ItemIDs      []ItemID
	Source       LabelID
	Destination  LabelID
	Title        string
	RegisteredAt time.Time
	Changes      []ItemChange
	Deltas       []CounterDelta
}

// AffectedLabels lists every label touched by the action, source first.
func (p PendingAction) AffectedLabels() []LabelID {
	var out []LabelID
	add := func(id LabelID) {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	add(p.Source)
	add(p.Destination)
	for _, c := range p.Changes {
		for _, id := range c.Removed {
			add(id)
		}
		for _, id := range c.Added {
			add(id)
		}
	}
	return out
}
