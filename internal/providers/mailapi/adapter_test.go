package mailapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailbox-sync/internal/mailbox"
	"github.com/Martian-dev/mailbox-sync/internal/remote"
)

func newTestAdapter(t *testing.T, h http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "access-1"})
	return New(context.Background(), src, Options{BaseURL: srv.URL + "/", Timeout: 5 * time.Second}, zerolog.Nop())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestLatestCursorAndEvents(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer access-1", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/core/v4/events/latest":
			writeJSON(w, http.StatusOK, map[string]any{"Code": 1000, "EventID": "ev-1"})
		case "/core/v4/events/ev-1":
			writeJSON(w, http.StatusOK, map[string]any{
				"Code":    1000,
				"EventID": "ev-2",
				"More":    1,
				"Messages": []map[string]any{
					{"ID": "m1", "Action": 0},
				},
			})
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	cursor, err := a.LatestCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ev-1", cursor)

	batch, err := a.EventsSince(ctx, cursor)
	require.NoError(t, err)
	assert.Equal(t, "ev-2", batch.EventID)
	assert.True(t, batch.HasMore())
	require.Len(t, batch.Messages, 1)
	assert.Equal(t, remote.EventDelete, batch.Messages[0].Action)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   map[string]any
		kind   remote.Kind
	}{
		{"invalid cursor", http.StatusOK, map[string]any{"Code": remote.CodeInvalidCursor, "Error": "bad event"}, remote.KindInvalidCursor},
		{"invalid cursor as 422", http.StatusUnprocessableEntity, map[string]any{"Code": remote.CodeInvalidCursor}, remote.KindInvalidCursor},
		{"maintenance", http.StatusServiceUnavailable, map[string]any{"Code": remote.CodeAPIOffline}, remote.KindMaintenance},
		{"bad gateway", http.StatusBadGateway, nil, remote.KindServer},
		{"gateway timeout", http.StatusGatewayTimeout, nil, remote.KindTimeout},
		{"not found", http.StatusNotFound, nil, remote.KindTimeout},
		{"forbidden", http.StatusForbidden, map[string]any{"Code": 2011}, remote.KindClient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAdapter(t, func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, tt.status, tt.body)
			})
			_, err := a.EventsSince(context.Background(), "c1")
			require.Error(t, err)
			assert.Equal(t, tt.kind, remote.Classify(err))
		})
	}
}

func TestUnreachableServer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "x"})
	a := New(context.Background(), src, Options{BaseURL: base, Timeout: time.Second}, zerolog.Nop())
	_, err := a.LatestCursor(context.Background())
	require.Error(t, err)
	assert.Equal(t, remote.KindUnreachable, remote.Classify(err))
}

func TestFetchMailbox(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/mail/v4/conversations":
			assert.Equal(t, "0", r.URL.Query().Get("LabelID"))
			assert.Equal(t, "25", r.URL.Query().Get("PageSize"))
			writeJSON(w, http.StatusOK, map[string]any{
				"Code":          1000,
				"Conversations": []map[string]any{{"id": "c1", "labels": []string{"0"}}},
			})
		case "/mail/v4/conversations/count":
			writeJSON(w, http.StatusOK, map[string]any{
				"Code":   1000,
				"Counts": []map[string]any{{"LabelID": "0", "Total": 4, "Unread": 2}},
			})
		default:
			http.NotFound(w, r)
		}
	})

	page, err := a.FetchMailbox(context.Background(), mailbox.LabelInbox, mailbox.KindConversation, 25)
	require.NoError(t, err)
	require.Len(t, page.Conversations, 1)
	assert.Equal(t, mailbox.ItemID("c1"), page.Conversations[0].ID)
	assert.Equal(t, []remote.CountPayload{{LabelID: mailbox.LabelInbox, Total: 4, Unread: 2}}, page.Counts)
}

func TestMutate(t *testing.T) {
	var got mutationBody
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/mail/v4/messages/label", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusOK, map[string]any{
			"Code":      1001,
			"UndoToken": map[string]any{"Token": "undo-1"},
		})
	})

	resp, err := a.Mutate(context.Background(), remote.MutationRequest{
		Action:  remote.MutationLabel,
		Kind:    mailbox.KindMessage,
		LabelID: mailbox.LabelArchive,
		IDs:     []mailbox.ItemID{"m1", "m2"},
	})
	require.NoError(t, err)
	assert.True(t, resp.Success())
	assert.Equal(t, []string{"undo-1"}, resp.UndoTokens)
	assert.Equal(t, mutationBody{LabelID: mailbox.LabelArchive, IDs: []mailbox.ItemID{"m1", "m2"}}, got)
}

func TestMutateFailureCode(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"Code": 2001, "Error": "nope"})
	})
	resp, err := a.Mutate(context.Background(), remote.MutationRequest{Action: remote.MutationRead, Kind: mailbox.KindMessage, IDs: []mailbox.ItemID{"m1"}})
	require.NoError(t, err)
	assert.False(t, resp.Success())

	a = newTestAdapter(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"Code": 2001})
	})
	_, err = a.Mutate(context.Background(), remote.MutationRequest{Action: remote.MutationRead, Kind: mailbox.KindMessage, IDs: []mailbox.ItemID{"m1"}})
	require.Error(t, err)
	assert.Equal(t, remote.KindClient, remote.Classify(err))
}

func TestUndo(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/mail/v4/undoactions", r.URL.Path)
		var body struct{ Tokens []string }
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []string{"t1", "t2"}, body.Tokens)
		writeJSON(w, http.StatusOK, map[string]any{
			"Code": 1001,
			"Responses": []map[string]any{
				{"Token": "t1", "Code": 1000},
				{"Token": "t2", "Code": 2501, "Error": "expired"},
			},
		})
	})

	res, err := a.Undo(context.Background(), []string{"t1", "t2"})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.True(t, res[0].Success())
	assert.False(t, res[1].Success())
}

func TestRateLimitHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"Code": 1000, "EventID": "e"})
	}))
	defer srv.Close()

	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "x"})
	a := New(context.Background(), src, Options{BaseURL: srv.URL, RPS: 0.01, Burst: 1}, zerolog.Nop())

	_, err := a.LatestCursor(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = a.LatestCursor(ctx)
	assert.Error(t, err, "the second request must wait far past the deadline")
}
