// Package notify carries banner display requests to the user interface.
package notify

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailbox-sync/internal/mailbox"
	"github.com/Martian-dev/mailbox-sync/internal/remote"
)

// BannerKind selects the banner style.
type BannerKind string

const (
	BannerInfo  BannerKind = "info"
	BannerError BannerKind = "error"
	BannerUndo  BannerKind = "undo"
)

// Banner is a display request. Undo banners carry an ID the user interface
// passes back when the undo affordance is tapped.
type Banner struct {
	ID       string            `json:"id,omitempty"`
	Kind     BannerKind        `json:"kind"`
	Message  string            `json:"message"`
	Retry    bool              `json:"retry,omitempty"`
	Labels   []mailbox.LabelID `json:"labels,omitempty"`
	UserID   string            `json:"user_id,omitempty"`
	Category string            `json:"category,omitempty"`
}

// Presenter receives banner display requests.
type Presenter interface {
	ShowBanner(ctx context.Context, b Banner)
}

// PresenterFunc adapts a function to Presenter.
type PresenterFunc func(ctx context.Context, b Banner)

func (f PresenterFunc) ShowBanner(ctx context.Context, b Banner) { f(ctx, b) }

// BannerFor returns the error banner shown for a failed server call.
func BannerFor(kind remote.Kind) Banner {
	b := Banner{Kind: BannerError, Retry: true, Category: kind.String()}
	switch kind {
	case remote.KindTimeout:
		b.Message = "The request timed out."
	case remote.KindUnreachable:
		b.Message = "No internet connection."
	case remote.KindMaintenance:
		b.Message = "The mail service is temporarily down for maintenance."
	case remote.KindServer:
		b.Message = "The server could not handle the request."
	default:
		b.Message = "Something went wrong."
		b.Retry = false
	}
	return b
}

// Log writes banners to a logger. It is the presenter of last resort when
// no user interface is attached.
type Log struct {
	Logger zerolog.Logger
}

func (l Log) ShowBanner(_ context.Context, b Banner) {
	l.Logger.Info().
		Str("banner_id", b.ID).
		Str("kind", string(b.Kind)).
		Str("category", b.Category).
		Msg(b.Message)
}

// Multi fans a banner out to several presenters.
type Multi []Presenter

func (m Multi) ShowBanner(ctx context.Context, b Banner) {
	for _, p := range m {
		p.ShowBanner(ctx, b)
	}
}

// Recorder keeps every banner it receives. Safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	banners []Banner
}

func (r *Recorder) ShowBanner(_ context.Context, b Banner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.banners = append(r.banners, b)
}

// Banners returns a copy of what was recorded so far.
func (r *Recorder) Banners() []Banner {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Banner, len(r.banners))
	copy(out, r.banners)
	return out
}
