package mailbox

import "slices"

// Patch carries the fields present in an event payload. Nil pointers and
// nil slices mean the field was absent and must not overwrite local state.
type Patch struct {
	ConversationID  *ItemID   `json:"ConversationID,omitempty"`
	Subject         *string   `json:"Subject,omitempty"`
	Sender          *string   `json:"Sender,omitempty"`
	Senders         []string  `json:"Senders,omitempty"`
	Time            *int64    `json:"Time,omitempty"`
	Order           *int64    `json:"Order,omitempty"`
	Size            *int64    `json:"Size,omitempty"`
	Unread          *bool     `json:"Unread,omitempty"`
	NumMessages     *int      `json:"NumMessages,omitempty"`
	NumUnread       *int      `json:"NumUnread,omitempty"`
	NumAttachments  *int      `json:"NumAttachments,omitempty"`
	LabelIDs        []LabelID `json:"LabelIDs,omitempty"`
	LabelIDsAdded   []LabelID `json:"LabelIDsAdded,omitempty"`
	LabelIDsRemoved []LabelID `json:"LabelIDsRemoved,omitempty"`
}

// NewItem returns an empty item of the given kind.
func NewItem(kind ItemKind, id ItemID) (Item, bool) {
	switch kind {
	case KindMessage:
		return &Message{ID: id}, true
	case KindConversation:
		return &Conversation{ID: id}, true
	}
	return nil, false
}

// Merge applies p on top of base and returns the result. base is not modified.
// Label additions and removals are set operations, so merging the same patch
// twice yields the same item.
func (p Patch) Merge(base Item) Item {
	it := base.Clone()
	switch v := it.(type) {
	case *Message:
		if p.ConversationID != nil {
			v.ConversationID = *p.ConversationID
		}
		setIf(&v.Subject, p.Subject)
		setIf(&v.Sender, p.Sender)
		setIf(&v.Time, p.Time)
		setIf(&v.Order, p.Order)
		setIf(&v.Size, p.Size)
		setIf(&v.Unread, p.Unread)
		setIf(&v.NumAttachments, p.NumAttachments)
	case *Conversation:
		setIf(&v.Subject, p.Subject)
		if p.Senders != nil {
			v.Senders = slices.Clone(p.Senders)
		}
		setIf(&v.Time, p.Time)
		setIf(&v.Order, p.Order)
		setIf(&v.Size, p.Size)
		setIf(&v.NumMessages, p.NumMessages)
		setIf(&v.NumUnread, p.NumUnread)
		setIf(&v.NumAttachments, p.NumAttachments)
	}

	labels := it.LabelIDs()
	if p.LabelIDs != nil {
		labels = slices.Clone(p.LabelIDs)
	}
	for _, id := range p.LabelIDsRemoved {
		labels = slices.DeleteFunc(labels, func(l LabelID) bool { return l == id })
	}
	for _, id := range p.LabelIDsAdded {
		if !slices.Contains(labels, id) {
			labels = append(labels, id)
		}
	}
	SetLabels(it, NormalizeLabels(labels))
	return it
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

// NormalizeLabels sorts and dedupes a label set so equal sets compare equal.
func NormalizeLabels(labels []LabelID) []LabelID {
	out := slices.Clone(labels)
	slices.Sort(out)
	return slices.Compact(out)
}
