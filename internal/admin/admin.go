// Package admin serves the operator HTTP API: liveness, readiness,
// delivery counters and recorded dead letters.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"chroniclesink/internal/sink"
	"chroniclesink/internal/storage"
)

const (
	readyTimeout    = 5 * time.Second
	shutdownTimeout = 5 * time.Second
)

type Config struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
	// APIKey, when set, is required in X-API-Key for /deadletters.
	APIKey string `mapstructure:"api_key"`
}

func (c Config) Validate() error {
	if c.Enabled && c.Address == "" {
		return errors.New("admin.address is required")
	}
	return nil
}

// StatsSource reports the sink's counters.
type StatsSource interface {
	Snapshot() sink.StatsSnapshot
}

// Deps are what the routes read from. Ready and DeadLetters may be nil.
type Deps struct {
	Sink        string
	Stats       StatsSource
	Ready       sink.Healthcheck
	DeadLetters storage.DeadLetterStore
	APIKey      string
}

// NewRouter wires the admin endpoints.
// Public: /healthz, /ready, /stats
// Optionally authenticated: /deadletters
func NewRouter(d Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/ready", func(c *gin.Context) {
		if d.Ready == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ready"})
			return
		}
		if err := sink.RunHealthcheck(c.Request.Context(), d.Ready, readyTimeout); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sink": d.Sink, "stats": d.Stats.Snapshot()})
	})

	if d.DeadLetters != nil {
		group := r.Group("/")
		if d.APIKey != "" {
			group.Use(apiKeyMiddleware(d.APIKey))
		}
		registerDeadLetterRoutes(group, d.DeadLetters)
	}
	return r
}

// GET /deadletters?limit=N
func registerDeadLetterRoutes(r gin.IRoutes, store storage.DeadLetterStore) {
	r.GET("/deadletters", func(c *gin.Context) {
		limit := 0
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = n
		}
		items, err := store.List(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "dead letter query failed"})
			return
		}
		out := make([]deadLetterView, 0, len(items))
		for _, item := range items {
			out = append(out, newDeadLetterView(item))
		}
		c.JSON(http.StatusOK, gin.H{"dead_letters": out, "count": len(out)})
	})
}

type deadLetterView struct {
	ID              int64     `json:"id"`
	RequestID       string    `json:"request_id"`
	Sink            string    `json:"sink"`
	Key             string    `json:"key"`
	EventCount      int       `json:"event_count"`
	PayloadBytes    int       `json:"payload_bytes"`
	ContentEncoding string    `json:"content_encoding,omitempty"`
	Reason          string    `json:"reason"`
	StatusCode      int       `json:"status_code,omitempty"`
	Attempts        int       `json:"attempts"`
	CreatedAt       time.Time `json:"created_at"`
}

func newDeadLetterView(dl storage.DeadLetter) deadLetterView {
	return deadLetterView{
		ID:              dl.ID,
		RequestID:       dl.RequestID,
		Sink:            dl.Sink,
		Key:             dl.Key,
		EventCount:      dl.EventCount,
		PayloadBytes:    len(dl.Payload),
		ContentEncoding: dl.ContentEncoding,
		Reason:          dl.Reason,
		StatusCode:      dl.StatusCode,
		Attempts:        dl.Attempts,
		CreatedAt:       dl.CreatedAt,
	}
}

func apiKeyMiddleware(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.TrimSpace(c.GetHeader("X-API-Key")) != key {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// Server runs the router until its context ends.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

func NewServer(cfg Config, d Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if d.APIKey == "" {
		d.APIKey = cfg.APIKey
	}
	return &Server{
		srv:    &http.Server{Addr: cfg.Address, Handler: NewRouter(d), ReadHeaderTimeout: 5 * time.Second},
		logger: logger.With("component", "admin"),
	}
}

func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin server listening", "address", s.srv.Addr)
		errCh <- s.srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}
