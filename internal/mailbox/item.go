// Package mailbox holds the client-side mail model shared by the store,
// the event applier and the mutation engine.
package mailbox

import "slices"

// ItemID identifies a message or a conversation.
type ItemID string

// ItemKind selects between the message and conversation view modes.
type ItemKind int

const (
	KindMessage ItemKind = iota + 1
	KindConversation
)

func (k ItemKind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindConversation:
		return "conversation"
	}
	return "unknown"
}

// ParseItemKind accepts the names produced by String.
func ParseItemKind(s string) (ItemKind, bool) {
	switch s {
	case "message", "messages":
		return KindMessage, true
	case "conversation", "conversations":
		return KindConversation, true
	}
	return 0, false
}

// Item is the capability set shared by messages and conversations.
// The set of implementations is closed: *Message and *Conversation.
type Item interface {
	ItemID() ItemID
	Kind() ItemKind
	LabelIDs() []LabelID
	IsUnread() bool
	SortKey() (time int64, order int64)
	Clone() Item
	isItem()
}

// Message is a single mail message as cached locally.
type Message struct {
	ID             ItemID    `json:"id"`
	ConversationID ItemID    `json:"conversation_id,omitempty"`
	Subject        string    `json:"subject"`
	Sender         string    `json:"sender"`
	Time           int64     `json:"time"`
	Order          int64     `json:"order"`
	Size           int64     `json:"size"`
	Unread         bool      `json:"unread"`
	NumAttachments int       `json:"num_attachments"`
	Labels         []LabelID `json:"labels"`
}

func (m *Message) ItemID() ItemID { return m.ID }
func (m *Message) Kind() ItemKind { return KindMessage }
func (m *Message) LabelIDs() []LabelID { return m.Labels }
func (m *Message) IsUnread() bool { return m.Unread }
func (m *Message) SortKey() (int64, int64) { return m.Time, m.Order }
func (*Message) isItem() {}

func (m *Message) Clone() Item {
	c := *m
	c.Labels = slices.Clone(m.Labels)
	return &c
}

// Conversation groups the messages of one thread.
type Conversation struct {
	ID             ItemID    `json:"id"`
	Subject        string    `json:"subject"`
	Senders        []string  `json:"senders"`
	Time           int64     `json:"time"`
	Order          int64     `json:"order"`
	Size           int64     `json:"size"`
	NumMessages    int       `json:"num_messages"`
	NumUnread      int       `json:"num_unread"`
	NumAttachments int       `json:"num_attachments"`
	Labels         []LabelID `json:"labels"`
}

func (c *Conversation) ItemID() ItemID { return c.ID }
func (c *Conversation) Kind() ItemKind { return KindConversation }
func (c *Conversation) LabelIDs() []LabelID { return c.Labels }
func (c *Conversation) IsUnread() bool { return c.NumUnread > 0 }
func (c *Conversation) SortKey() (int64, int64) { return c.Time, c.Order }
func (*Conversation) isItem() {}

func (c *Conversation) Clone() Item {
	cc := *c
	cc.Labels = slices.Clone(c.Labels)
	cc.Senders = slices.Clone(c.Senders)
	return &cc
}

// HasLabel reports whether it carries id.
func HasLabel(it Item, id LabelID) bool {
	return slices.Contains(it.LabelIDs(), id)
}

// Location returns the exclusive system folder the item sits in, if any.
// User folders are resolved by the store, which knows label types.
func Location(it Item) (LabelID, bool) {
	for _, id := range it.LabelIDs() {
		if id.IsSystemLocation() {
			return id, true
		}
	}
	return "", false
}

// SetLabels replaces the label set of it in place.
func SetLabels(it Item, labels []LabelID) {
	switch v := it.(type) {
	case *Message:
		v.Labels = labels
	case *Conversation:
		v.Labels = labels
	}
}

// SetUnread toggles the unread state of it in place. A conversation marked
// unread reports a single unread message until the server says otherwise.
func SetUnread(it Item, unread bool) {
	switch v := it.(type) {
	case *Message:
		v.Unread = unread
	case *Conversation:
		switch {
		case !unread:
			v.NumUnread = 0
		case v.NumUnread == 0:
			v.NumUnread = 1
		}
	}
}
