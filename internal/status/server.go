package status

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"pump-roadmap-bot/internal/logger"
	"pump-roadmap-bot/internal/position"
)

// Positions is the read side of the position tracker
type Positions interface {
	Snapshot() []position.Token
	Get(mint string) (position.Token, bool)
}

// StatsFunc reports the counters of one component
type StatsFunc func() map[string]interface{}

// Config controls the status server
type Config struct {
	Port              int
	RequestsPerSecond float64
	Burst             int
}

// Server exposes health, positions and counters over HTTP
type Server struct {
	cfg       Config
	router    *gin.Engine
	positions Positions
	stats     map[string]StatsFunc
	summary   func() logger.TradeSummary
	logger    *logger.Logger
	started   time.Time

	mu  sync.Mutex
	srv *http.Server
}

// NewServer builds the router. summary may be nil when no trade journal runs.
func NewServer(cfg Config, positions Positions, stats map[string]StatsFunc, summary func() logger.TradeSummary, log *logger.Logger) *Server {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:       cfg,
		router:    gin.New(),
		positions: positions,
		stats:     stats,
		summary:   summary,
		logger:    log,
		started:   time.Now(),
	}
	s.routes()
	return s
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.Use(gin.Recovery(), rateLimit(s.cfg.RequestsPerSecond, s.cfg.Burst))

	s.router.Any("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":         "ok",
			"uptime_seconds": time.Since(s.started).Seconds(),
		})
	})
	s.router.GET("/positions", s.listPositions)
	s.router.GET("/positions/:mint", s.getPosition)
	s.router.GET("/stats", s.getStats)
	s.router.GET("/summary", s.getSummary)
}

// positionView is a token without its trade history unless requested
type positionView struct {
	position.Token
	Trades int `json:"trades"`
}

func view(tok position.Token, history bool) positionView {
	v := positionView{Token: tok, Trades: len(tok.History)}
	if !history {
		v.History = nil
	}
	return v
}

func (s *Server) listPositions(c *gin.Context) {
	history := c.Query("history") == "true"
	open := c.Query("open") == "true"

	tokens := s.positions.Snapshot()
	out := make([]positionView, 0, len(tokens))
	for _, tok := range tokens {
		if open && !tok.IsOpen() {
			continue
		}
		out = append(out, view(tok, history))
	}
	c.JSON(http.StatusOK, gin.H{"count": len(out), "positions": out})
}

func (s *Server) getPosition(c *gin.Context) {
	tok, ok := s.positions.Get(c.Param("mint"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "position not found"})
		return
	}
	c.JSON(http.StatusOK, view(tok, true))
}

func (s *Server) getStats(c *gin.Context) {
	out := make(gin.H, len(s.stats))
	for name, fn := range s.stats {
		out[name] = fn()
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getSummary(c *gin.Context) {
	if s.summary == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "trade journal disabled"})
		return
	}
	c.JSON(http.StatusOK, s.summary())
}

// rateLimit rejects requests beyond rps across all clients
func rateLimit(rps float64, burst int) gin.HandlerFunc {
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// Start serves until ctx ends, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv := s.srv
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.LogConnection("status", "listening", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("status server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status server shutdown: %w", err)
	}
	return nil
}
