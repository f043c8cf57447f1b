// Package remote defines the mail server boundaries consumed by the sync
// engine and the classification of their failures.
package remote

import (
	"context"
	"encoding/json"

	"github.com/Martian-dev/mailbox-sync/internal/mailbox"
)

// EventAction is the per item operation carried by an event.
type EventAction int

const (
	EventDelete      EventAction = 0
	EventCreate      EventAction = 1
	EventUpdate      EventAction = 2
	EventUpdateFlags EventAction = 3
)

// Refresh bits set by the server when incremental diffing is not possible.
const (
	RefreshMail     = 1
	RefreshContacts = 2
	RefreshAll      = 255
)

type MessageEvent struct {
	ID      mailbox.ItemID `json:"ID"`
	Action  EventAction    `json:"Action"`
	Message *mailbox.Patch `json:"Message,omitempty"`
}

type ConversationEvent struct {
	ID           mailbox.ItemID `json:"ID"`
	Action       EventAction    `json:"Action"`
	Conversation *mailbox.Patch `json:"Conversation,omitempty"`
}

type LabelPayload struct {
	ID    mailbox.LabelID `json:"ID"`
	Name  string          `json:"Name"`
	Type  int             `json:"Type"`
	Color string          `json:"Color,omitempty"`
	Order int             `json:"Order"`
}

// Label converts the payload into the local model.
func (p LabelPayload) Label() mailbox.Label {
	return mailbox.Label{ID: p.ID, Name: p.Name, Type: mailbox.LabelType(p.Type), Color: p.Color, Order: p.Order}
}

type LabelEvent struct {
	ID     mailbox.LabelID `json:"ID"`
	Action EventAction     `json:"Action"`
	Label  *LabelPayload   `json:"Label,omitempty"`
}

// CountPayload is an authoritative counter snapshot for one label.
type CountPayload struct {
	LabelID mailbox.LabelID `json:"LabelID"`
	Total   int             `json:"Total"`
	Unread  int             `json:"Unread"`
}

// EventBatch is one page of the server event log.
type EventBatch struct {
	EventID            string              `json:"EventID"`
	Refresh            int                 `json:"Refresh"`
	More               int                 `json:"More"`
	Messages           []MessageEvent      `json:"Messages,omitempty"`
	Conversations      []ConversationEvent `json:"Conversations,omitempty"`
	Labels             []LabelEvent        `json:"Labels,omitempty"`
	MessageCounts      []CountPayload      `json:"MessageCounts,omitempty"`
	ConversationCounts []CountPayload      `json:"ConversationCounts,omitempty"`
	User               json.RawMessage     `json:"User,omitempty"`
	MailSettings       json.RawMessage     `json:"MailSettings,omitempty"`
	UserSettings       json.RawMessage     `json:"UserSettings,omitempty"`
}

// HasMore reports the continuation flag.
func (b *EventBatch) HasMore() bool { return b.More != 0 }

// RequiresRefresh reports whether the mail view must be rebuilt from scratch.
func (b *EventBatch) RequiresRefresh() bool { return b.Refresh&RefreshMail != 0 }

// MailboxPage is the first page of a label used to prime a fresh cache.
type MailboxPage struct {
	Messages      []*mailbox.Message      `json:"Messages,omitempty"`
	Conversations []*mailbox.Conversation `json:"Conversations,omitempty"`
	Counts        []CountPayload          `json:"Counts,omitempty"`
}

// EventsAPI is the server event boundary.
type EventsAPI interface {
	LatestCursor(ctx context.Context) (string, error)
	EventsSince(ctx context.Context, cursor string) (*EventBatch, error)
	FetchLabels(ctx context.Context) ([]LabelPayload, error)
	FetchMailbox(ctx context.Context, labelID mailbox.LabelID, kind mailbox.ItemKind, limit int) (*MailboxPage, error)
}

// MutationAction names a server side mutation endpoint.
type MutationAction string

const (
	MutationLabel   MutationAction = "label"
	MutationUnlabel MutationAction = "unlabel"
	MutationRead    MutationAction = "read"
	MutationUnread  MutationAction = "unread"
	MutationDelete  MutationAction = "delete"
)

// Idempotent reports whether replaying the request is harmless.
func (a MutationAction) Idempotent() bool {
	return a != MutationDelete
}

// MutationRequest is one call to a mutation endpoint.
type MutationRequest struct {
	Action  MutationAction   `json:"action"`
	Kind    mailbox.ItemKind `json:"kind"`
	LabelID mailbox.LabelID  `json:"label_id,omitempty"`
	IDs     []mailbox.ItemID `json:"ids"`
	// Fetch asks for an event poll once the server acknowledged the request.
	Fetch bool `json:"fetch,omitempty"`
}

// MutationResponse is the server answer to a mutation.
type MutationResponse struct {
	Code       int      `json:"Code"`
	UndoTokens []string `json:"UndoTokens,omitempty"`
}

// Success reports whether the server accepted the mutation.
func (r *MutationResponse) Success() bool {
	return r != nil && (r.Code == CodeSuccess || r.Code == CodeMultiSuccess)
}

// MutationAPI is the server mutation boundary.
type MutationAPI interface {
	Mutate(ctx context.Context, req MutationRequest) (*MutationResponse, error)
}

// UndoResult is the per token outcome of an undo call.
type UndoResult struct {
	Token string `json:"Token"`
	Code  int    `json:"Code"`
	Error string `json:"Error,omitempty"`
}

// Success reports whether the token was replayed.
func (r UndoResult) Success() bool { return r.Code == CodeSuccess }

// UndoAPI is the server undo boundary.
type UndoAPI interface {
	Undo(ctx context.Context, tokens []string) ([]UndoResult, error)
}

// Server bundles every boundary.
type Server interface {
	EventsAPI
	MutationAPI
	UndoAPI
}
