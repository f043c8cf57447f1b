// Package api exposes the sync engine to user interfaces over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailbox-sync/internal/auth"
	"github.com/Martian-dev/mailbox-sync/internal/logging"
	"github.com/Martian-dev/mailbox-sync/internal/sync"
)

// Verifier authenticates API requests.
type Verifier interface {
	UserFromRequest(r *http.Request) (*auth.User, error)
}

// Accounts looks up the running account of a user.
type Accounts interface {
	Account(userID string) (*sync.Account, bool)
	Running() []string
}

// Server routes UI requests to the account of the authenticated user.
type Server struct {
	accounts Accounts
	verifier Verifier
	log      zerolog.Logger
	engine   *gin.Engine
}

func New(accounts Accounts, verifier Verifier, gatherer prometheus.Gatherer, log zerolog.Logger) *Server {
	s := &Server{
		accounts: accounts,
		verifier: verifier,
		log:      logging.Component(log, "api"),
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/healthz", s.health)
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/v1")
	v1.Use(s.authMiddleware())

	v1.POST("/actions", s.applyAction)
	v1.POST("/banners/:id/undo", s.undoBanner)
	v1.DELETE("/banners/:id", s.dismissBanner)

	v1.GET("/labels", s.labels)
	v1.GET("/labels/:id/items", s.labelItems)
	v1.GET("/labels/:id/counters", s.labelCounter)

	v1.GET("/sync/status", s.syncStatus)
	v1.POST("/sync/poll", s.poll)
	v1.POST("/sync/pause", s.pause)
	v1.POST("/sync/resume", s.resume)
	v1.POST("/connectivity", s.connectivity)

	s.engine = r
	return s
}

// Handler returns the HTTP handler of the API.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}

const (
	userKey    = "user"
	accountKey = "account"
)

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := s.verifier.UserFromRequest(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		acc, ok := s.accounts.Account(user.ID)
		if !ok {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": sync.ErrNotRunning.Error()})
			return
		}
		c.Set(userKey, user)
		c.Set(accountKey, acc)
		c.Request = c.Request.WithContext(auth.WithUser(c.Request.Context(), user))
		c.Next()
	}
}

func account(c *gin.Context) *sync.Account {
	return c.MustGet(accountKey).(*sync.Account)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "accounts": len(s.accounts.Running())})
}
