// Package natsjs fans mailbox changes, banners and settings out to other
// processes over NATS JetStream.
package natsjs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailbox-sync/internal/mailbox"
	"github.com/Martian-dev/mailbox-sync/internal/notify"
	"github.com/Martian-dev/mailbox-sync/internal/store"
)

// StreamName is the JetStream stream every subject below belongs to.
const StreamName = "MAILBOX_EVENTS"

// streamPublisher is the part of nats.JetStreamContext the publisher uses.
type streamPublisher interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Publisher wraps NATS JetStream for publishing events
type Publisher struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	pub streamPublisher
	log zerolog.Logger
}

// NewPublisher creates a new NATS JetStream publisher
func NewPublisher(url string, log zerolog.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url, nats.Name("mailbox-sync"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return &Publisher{nc: nc, js: js, pub: js, log: log.With().Str("component", "nats").Logger()}, nil
}

// EnsureStream ensures the MAILBOX_EVENTS stream exists
func (p *Publisher) EnsureStream(ctx context.Context) error {
	info, err := p.js.StreamInfo(StreamName, nats.Context(ctx))
	if err == nil && info != nil {
		return nil
	}

	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{"mailbox.*.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 2 * time.Minute,
		MaxAge:     24 * time.Hour,
	}, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Publish publishes a message to NATS JetStream with deduplication
func (p *Publisher) Publish(subject string, payload []byte, msgID string) error {
	if _, err := p.pub.Publish(subject, payload, nats.MsgId(msgID)); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// token makes s usable as one subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(s)
}

// Subjects of the stream.
func ChangeSubject(userID string, label mailbox.LabelID) string {
	return "mailbox." + token(userID) + ".labels." + token(string(label))
}

func BannerSubject(userID string) string {
	return "mailbox." + token(userID) + ".banners"
}

func SettingsSubject(userID, kind string) string {
	return "mailbox." + token(userID) + ".settings." + token(kind)
}

// ChangeEvent is the payload published for a store change.
type ChangeEvent struct {
	UserID   string           `json:"user_id"`
	LabelID  mailbox.LabelID  `json:"label_id"`
	Kind     string           `json:"kind"`
	Appeared []mailbox.ItemID `json:"appeared,omitempty"`
	Removed  []mailbox.ItemID `json:"removed,omitempty"`
	Updated  []mailbox.ItemID `json:"updated,omitempty"`
	Counter  bool             `json:"counter,omitempty"`
	Label    bool             `json:"label,omitempty"`
	Reset    bool             `json:"reset,omitempty"`
}

// PublishChange publishes one committed label view change.
func (p *Publisher) PublishChange(_ context.Context, userID string, c store.Change) {
	ev := ChangeEvent{
		UserID:   userID,
		LabelID:  c.LabelID,
		Kind:     c.Kind.String(),
		Appeared: c.Appeared,
		Removed:  c.Removed,
		Updated:  c.Updated,
		Counter:  c.Counter,
		Label:    c.Label,
		Reset:    c.Reset,
	}
	p.publishJSON(ChangeSubject(userID, c.LabelID), uuid.NewString(), ev)
}

// ShowBanner implements notify.Presenter.
func (p *Publisher) ShowBanner(_ context.Context, b notify.Banner) {
	id := b.ID
	if id == "" {
		id = uuid.NewString()
	}
	p.publishJSON(BannerSubject(b.UserID), id, b)
}

// Passthrough forwards account and settings payloads untouched.
func (p *Publisher) Passthrough(_ context.Context, userID, kind string, payload json.RawMessage) {
	if err := p.Publish(SettingsSubject(userID, kind), payload, uuid.NewString()); err != nil {
		p.log.Warn().Err(err).Str("user_id", userID).Str("kind", kind).Msg("publishing settings")
	}
}

func (p *Publisher) publishJSON(subject, msgID string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		p.log.Error().Err(err).Str("subject", subject).Msg("encoding event")
		return
	}
	if err := p.Publish(subject, payload, msgID); err != nil {
		p.log.Warn().Err(err).Str("subject", subject).Msg("publishing event")
	}
}

// Close closes the NATS connection
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
