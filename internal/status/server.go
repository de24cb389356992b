// Package status serves the read-only operator HTTP API: health, session
// states, recent deliveries and prometheus metrics.
package status

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/shopkeep/internal/session"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultPort is used when StartOpts.Port is zero.
const DefaultPort = 8080

// Sessions is the live session view. *supervisor.Supervisor implements it.
type Sessions interface {
	Statuses() []session.Status
	Status(id string) (session.Status, bool)
}

// StartOpts holds configuration for the status server.
type StartOpts struct {
	Sessions Sessions
	DB       *gorm.DB
	Port     int
	Logger   *zap.Logger
}

// Start launches the status HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Sessions == nil {
		return fmt.Errorf("status: sessions are required")
	}
	if opts.DB == nil {
		return fmt.Errorf("status: db is required")
	}
	if opts.Port <= 0 {
		opts.Port = DefaultPort
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           NewRouter(opts.Sessions, opts.DB),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Named("status").Info("status server listening", zap.Int("port", opts.Port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status: %w", err)
	}
	return nil
}

// NewRouter builds the gin engine with every status route registered.
func NewRouter(sessions Sessions, db *gorm.DB) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, sessions, db)
	return router
}
