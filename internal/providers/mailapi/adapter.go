// Package mailapi talks to the mail server over its JSON HTTP API.
package mailapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/Martian-dev/mailbox-sync/internal/mailbox"
	"github.com/Martian-dev/mailbox-sync/internal/remote"
)

// maxBody bounds how much of a response is read.
const maxBody = 32 << 20

// Options configure an Adapter.
type Options struct {
	BaseURL string
	Timeout time.Duration
	// RPS caps requests per second; zero disables the limit.
	RPS   float64
	Burst int
}

// Adapter implements remote.Server for one authenticated user.
type Adapter struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

var _ remote.Server = (*Adapter)(nil)

// New creates an adapter that authenticates every request with src.
func New(ctx context.Context, src oauth2.TokenSource, opts Options, log zerolog.Logger) *Adapter {
	client := oauth2.NewClient(ctx, src)
	client.Timeout = opts.Timeout

	limit := rate.Inf
	if opts.RPS > 0 {
		limit = rate.Limit(opts.RPS)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Adapter{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
		log:     log.With().Str("component", "mailapi").Logger(),
	}
}

// envelope is the part every response shares.
type envelope struct {
	Code  int    `json:"Code"`
	Error string `json:"Error,omitempty"`
}

func (e envelope) ok() bool {
	return e.Code == 0 || e.Code == remote.CodeSuccess || e.Code == remote.CodeMultiSuccess
}

// do performs one request and decodes the body into out. Transport failures
// and HTTP error statuses come back as *remote.Error; the response code of
// a 2xx answer is returned for the caller to judge.
func (a *Adapter) do(ctx context.Context, method, path string, query url.Values, body, out any) (envelope, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return envelope{}, &remote.Error{Kind: remote.Classify(err), Message: "rate limited", Err: err}
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return envelope{}, fmt.Errorf("encode %s body: %w", path, err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, rd)
	if err != nil {
		return envelope{}, fmt.Errorf("create request: %w", err)
	}
	if len(query) > 0 {
		req.URL.RawQuery = query.Encode()
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		return envelope{}, &remote.Error{Kind: remote.Classify(err), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return envelope{}, &remote.Error{Kind: remote.Classify(err), Err: err}
	}
	a.log.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Dur("took", time.Since(start)).Msg("request")

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)
	if resp.StatusCode >= 300 {
		msg := env.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return env, remote.FromResponse(resp.StatusCode, env.Code, msg)
	}
	if decodeErr != nil {
		return env, &remote.Error{Kind: remote.KindServer, Status: resp.StatusCode, Message: "bad response", Err: decodeErr}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return env, &remote.Error{Kind: remote.KindServer, Status: resp.StatusCode, Message: "bad response", Err: err}
		}
	}
	return env, nil
}

// call is do for endpoints whose non-success codes are errors.
func (a *Adapter) call(ctx context.Context, method, path string, query url.Values, body, out any) error {
	env, err := a.do(ctx, method, path, query, body, out)
	if err != nil {
		return err
	}
	if !env.ok() {
		return remote.FromResponse(http.StatusOK, env.Code, env.Error)
	}
	return nil
}

func itemPath(kind mailbox.ItemKind) string {
	if kind == mailbox.KindConversation {
		return "/mail/v4/conversations"
	}
	return "/mail/v4/messages"
}

func (a *Adapter) LatestCursor(ctx context.Context) (string, error) {
	var out struct {
		EventID string `json:"EventID"`
	}
	if err := a.call(ctx, http.MethodGet, "/core/v4/events/latest", nil, nil, &out); err != nil {
		return "", fmt.Errorf("latest event: %w", err)
	}
	return out.EventID, nil
}

func (a *Adapter) EventsSince(ctx context.Context, cursor string) (*remote.EventBatch, error) {
	var out remote.EventBatch
	if err := a.call(ctx, http.MethodGet, "/core/v4/events/"+url.PathEscape(cursor), nil, nil, &out); err != nil {
		return nil, fmt.Errorf("events since %s: %w", cursor, err)
	}
	return &out, nil
}

func (a *Adapter) FetchLabels(ctx context.Context) ([]remote.LabelPayload, error) {
	var out struct {
		Labels []remote.LabelPayload `json:"Labels"`
	}
	if err := a.call(ctx, http.MethodGet, "/core/v4/labels", nil, nil, &out); err != nil {
		return nil, fmt.Errorf("labels: %w", err)
	}
	return out.Labels, nil
}

// FetchMailbox loads the first page of labelID and the counters of every
// label.
func (a *Adapter) FetchMailbox(ctx context.Context, labelID mailbox.LabelID, kind mailbox.ItemKind, limit int) (*remote.MailboxPage, error) {
	q := url.Values{}
	q.Set("LabelID", string(labelID))
	q.Set("Page", "0")
	q.Set("PageSize", strconv.Itoa(limit))
	q.Set("Sort", "Time")
	q.Set("Desc", "1")

	var page remote.MailboxPage
	if err := a.call(ctx, http.MethodGet, itemPath(kind), q, nil, &page); err != nil {
		return nil, fmt.Errorf("mailbox %s: %w", labelID, err)
	}

	var counts struct {
		Counts []remote.CountPayload `json:"Counts"`
	}
	if err := a.call(ctx, http.MethodGet, itemPath(kind)+"/count", nil, nil, &counts); err != nil {
		return nil, fmt.Errorf("counts: %w", err)
	}
	page.Counts = counts.Counts
	return &page, nil
}

type mutationBody struct {
	LabelID mailbox.LabelID  `json:"LabelID,omitempty"`
	IDs     []mailbox.ItemID `json:"IDs"`
}

// Mutate sends one mutation request. A 2xx answer with a failure code is
// returned as a response, not as an error.
func (a *Adapter) Mutate(ctx context.Context, req remote.MutationRequest) (*remote.MutationResponse, error) {
	var out struct {
		UndoToken *struct {
			Token string `json:"Token"`
		} `json:"UndoToken,omitempty"`
		UndoTokens []string `json:"UndoTokens,omitempty"`
	}
	path := itemPath(req.Kind) + "/" + string(req.Action)
	env, err := a.do(ctx, http.MethodPut, path, nil, mutationBody{LabelID: req.LabelID, IDs: req.IDs}, &out)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.Action, err)
	}

	resp := &remote.MutationResponse{Code: env.Code, UndoTokens: out.UndoTokens}
	if resp.Code == 0 {
		resp.Code = remote.CodeSuccess
	}
	if out.UndoToken != nil && out.UndoToken.Token != "" {
		resp.UndoTokens = append(resp.UndoTokens, out.UndoToken.Token)
	}
	return resp, nil
}

// Undo replays tokens. The answer carries one result per token.
func (a *Adapter) Undo(ctx context.Context, tokens []string) ([]remote.UndoResult, error) {
	var out struct {
		Responses []remote.UndoResult `json:"Responses"`
	}
	body := struct {
		Tokens []string `json:"Tokens"`
	}{tokens}
	if _, err := a.do(ctx, http.MethodPost, "/mail/v4/undoactions", nil, body, &out); err != nil {
		return nil, fmt.Errorf("undo: %w", err)
	}
	return out.Responses, nil
}
