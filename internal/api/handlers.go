package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mailbox-sync/internal/mailbox"
	"github.com/Martian-dev/mailbox-sync/internal/mutation"
	"github.com/Martian-dev/mailbox-sync/internal/sync"
	"github.com/Martian-dev/mailbox-sync/internal/undo"
)

const defaultPageSize = 50

// actionStatus maps rejected actions to HTTP statuses.
func actionStatus(err error) int {
	switch {
	case errors.Is(err, mutation.ErrUnknownLabel):
		return http.StatusNotFound
	case errors.Is(err, mutation.ErrInvalidAction),
		errors.Is(err, mutation.ErrNoItems),
		errors.Is(err, mutation.ErrMixedItems),
		errors.Is(err, mutation.ErrNoLabels),
		errors.Is(err, mutation.ErrProtectedLabel),
		errors.Is(err, mutation.ErrInvalidDestination):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (s *Server) applyAction(c *gin.Context) {
	var req mutation.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := account(c).Engine.Apply(c.Request.Context(), req)
	if err != nil {
		status := actionStatus(err)
		if status == http.StatusInternalServerError {
			s.log.Error().Err(err).Str("action", string(req.Kind)).Msg("applying action")
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) undoBanner(c *gin.Context) {
	err := account(c).Undo.Undo(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "reverted"})
	case errors.Is(err, undo.ErrBannerNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "banner not found"})
	case errors.Is(err, undo.ErrUndoFailed):
		c.JSON(http.StatusConflict, gin.H{"error": undo.FailedMessage})
	default:
		// The server side was reverted; the next poll repairs the cache.
		s.log.Warn().Err(err).Msg("undo finished with a local error")
		c.JSON(http.StatusOK, gin.H{"status": "reverted"})
	}
}

func (s *Server) dismissBanner(c *gin.Context) {
	if !account(c).Undo.Dismiss(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "banner not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func viewMode(c *gin.Context) (mailbox.ItemKind, bool) {
	k := c.DefaultQuery("kind", "conversation")
	kind, ok := mailbox.ParseItemKind(k)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown kind " + strconv.Quote(k)})
	}
	return kind, ok
}

func (s *Server) labels(c *gin.Context) {
	labels, err := account(c).Store.Labels(c.Request.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("listing labels")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "labels unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"labels": labels})
}

func (s *Server) labelItems(c *gin.Context) {
	kind, ok := viewMode(c)
	if !ok {
		return
	}
	limit := defaultPageSize
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	label := mailbox.LabelID(c.Param("id"))
	items, err := account(c).Store.ListByLabel(c.Request.Context(), label, kind, limit)
	if err != nil {
		s.log.Error().Err(err).Str("label_id", string(label)).Msg("listing items")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "items temporarily unavailable"})
		return
	}
	if items == nil {
		items = []mailbox.Item{}
	}
	c.JSON(http.StatusOK, gin.H{"label_id": label, "kind": kind.String(), "items": items})
}

func (s *Server) labelCounter(c *gin.Context) {
	kind, ok := viewMode(c)
	if !ok {
		return
	}
	label := mailbox.LabelID(c.Param("id"))
	counter, err := account(c).Store.Counter(c.Request.Context(), label, kind)
	if err != nil {
		s.log.Error().Err(err).Str("label_id", string(label)).Msg("reading counter")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "counter temporarily unavailable"})
		return
	}
	c.JSON(http.StatusOK, counter)
}

func (s *Server) syncStatus(c *gin.Context) {
	acc := account(c)
	st, err := acc.Cursors.CursorState(c.Request.Context(), acc.UserID)
	if err != nil {
		s.log.Error().Err(err).Msg("reading sync state")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync state unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"cursor":      st.Cursor,
		"status":      st.Status,
		"last_error":  st.LastError,
		"retry_count": st.RetryCount,
	})
}

func (s *Server) poll(c *gin.Context) {
	queued := account(c).Scheduler.Poll(sync.ReasonManual)
	c.JSON(http.StatusAccepted, gin.H{"queued": queued})
}

func (s *Server) pause(c *gin.Context) {
	account(c).Scheduler.Pause()
	c.Status(http.StatusNoContent)
}

func (s *Server) resume(c *gin.Context) {
	account(c).Scheduler.Resume()
	c.Status(http.StatusNoContent)
}

type connectivityRequest struct {
	State string `json:"state" binding:"required,oneof=connected disconnected"`
}

func (s *Server) connectivity(c *gin.Context) {
	var req connectivityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	state := sync.Connected
	if req.State == "disconnected" {
		state = sync.Disconnected
	}
	account(c).Scheduler.SetConnectivity(state)
	c.Status(http.StatusNoContent)
}
