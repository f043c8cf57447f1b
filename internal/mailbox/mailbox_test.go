package mailbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func TestPatchMergeKeepsAbsentFields(t *testing.T) {
	base := &Message{ID: "m1", Subject: "hello", Sender: "a@b.c", Time: 10, Unread: true, Labels: []LabelID{LabelInbox, LabelAllMail}}

	got := Patch{Unread: ptr(false)}.Merge(base).(*Message)

	assert.Equal(t, "hello", got.Subject)
	assert.Equal(t, "a@b.c", got.Sender)
	assert.False(t, got.Unread)
	assert.Equal(t, []LabelID{LabelInbox, LabelAllMail}, got.Labels)
	assert.True(t, base.Unread, "base must not be modified")
}

func TestPatchMergeLabelDeltasAreIdempotent(t *testing.T) {
	base := &Conversation{ID: "c1", NumUnread: 1, Labels: []LabelID{LabelInbox, LabelAllMail}}
	p := Patch{LabelIDsAdded: []LabelID{LabelArchive}, LabelIDsRemoved: []LabelID{LabelInbox}}

	once := p.Merge(base)
	twice := p.Merge(once)

	assert.Equal(t, once, twice)
	assert.Equal(t, []LabelID{LabelAllMail, LabelArchive}, twice.LabelIDs())
}

func TestPatchMergeFullLabelReplace(t *testing.T) {
	base := &Message{ID: "m1", Labels: []LabelID{LabelInbox, LabelStarred}}
	got := Patch{LabelIDs: []LabelID{LabelTrash, LabelAllMail}}.Merge(base)
	assert.Equal(t, []LabelID{LabelTrash, LabelAllMail}, got.LabelIDs())
}

func TestUndoKindFor(t *testing.T) {
	tests := []struct {
		dest LabelID
		want UndoKind
	}{
		{LabelArchive, UndoArchive},
		{LabelTrash, UndoTrash},
		{LabelSpam, UndoSpam},
		{"folder-x", UndoKind("custom:folder-x")},
		{LabelInbox, UndoKind("custom:0")},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, UndoKindFor(tt.dest), string(tt.dest))
	}
}

func TestLabelExclusive(t *testing.T) {
	assert.True(t, Label{ID: LabelInbox}.Exclusive())
	assert.True(t, Label{ID: LabelTrash}.Exclusive())
	assert.False(t, Label{ID: LabelStarred}.Exclusive())
	assert.False(t, Label{ID: LabelAllMail}.Exclusive())
	assert.True(t, Label{ID: "f1", Type: LabelTypeFolder}.Exclusive())
	assert.False(t, Label{ID: "l1", Type: LabelTypeLabel}.Exclusive())
}

func TestMoveDestinations(t *testing.T) {
	assert.True(t, LabelArchive.IsMoveDestination())
	assert.True(t, LabelID("custom").IsMoveDestination())
	assert.False(t, LabelSent.IsMoveDestination())
	assert.False(t, LabelDrafts.IsMoveDestination())
	assert.False(t, LabelAllMail.IsMoveDestination())
	assert.True(t, LabelAllMail.IsProtected())
	assert.False(t, LabelInbox.IsProtected())
}

func TestSwipeAllowedIn(t *testing.T) {
	tests := []struct {
		location LabelID
		kind     ActionKind
		want     bool
	}{
		{LabelInbox, ActionArchive, true},
		{LabelInbox, ActionSpam, true},
		{LabelTrash, ActionTrash, true},
		{LabelArchive, ActionArchive, false},
		{LabelArchive, ActionTrash, true},
		{LabelStarred, ActionStar, false},
		{LabelStarred, ActionUnstar, true},
		{LabelSpam, ActionSpam, false},
		{LabelDrafts, ActionSpam, false},
		{LabelDrafts, ActionArchive, false},
		{LabelDrafts, ActionTrash, true},
		{LabelSent, ActionSpam, false},
		{LabelSent, ActionArchive, true},
		{LabelAllMail, ActionRead, false},
		{LabelAllMail, ActionTrash, false},
		{"user-folder", ActionArchive, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.location)+"/"+string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, SwipeAllowedIn(tt.location, tt.kind))
		})
	}
}

func TestSwipeAllowedOn(t *testing.T) {
	read := &Message{ID: "m1", Labels: []LabelID{LabelInbox}}
	unread := &Message{ID: "m2", Unread: true, Labels: []LabelID{LabelInbox, LabelStarred}}

	assert.False(t, SwipeAllowedOn(read, ActionRead))
	assert.True(t, SwipeAllowedOn(read, ActionUnread))
	assert.True(t, SwipeAllowedOn(unread, ActionRead))
	assert.False(t, SwipeAllowedOn(unread, ActionUnread))
	assert.True(t, SwipeAllowedOn(read, ActionStar))
	assert.False(t, SwipeAllowedOn(unread, ActionStar))
	assert.True(t, SwipeAllowedOn(unread, ActionUnstar))
	assert.True(t, SwipeAllowedOn(read, ActionTrash))
}

func TestPendingActionAffectedLabels(t *testing.T) {
	p := PendingAction{
		Source:      LabelInbox,
		Destination: LabelArchive,
		Changes: []ItemChange{
			{ItemID: "m1", Added: []LabelID{LabelArchive}, Removed: []LabelID{LabelInbox}},
			{ItemID: "m2", Added: []LabelID{LabelArchive}, Removed: []LabelID{"folder-1"}},
		},
	}
	assert.Equal(t, []LabelID{LabelInbox, LabelArchive, "folder-1"}, p.AffectedLabels())
}

func TestSetUnreadConversation(t *testing.T) {
	c := &Conversation{ID: "c1", NumUnread: 0}
	SetUnread(c, true)
	require.Equal(t, 1, c.NumUnread)
	c.NumUnread = 3
	SetUnread(c, true)
	require.Equal(t, 3, c.NumUnread)
	SetUnread(c, false)
	require.Equal(t, 0, c.NumUnread)
}
