// Package server assembles the HTTP surface: account endpoints, thread
// administration, the WebSocket gateway, health and metrics.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/deskchat/deskchat/internal/auth"
	"github.com/deskchat/deskchat/internal/conversation"
	"github.com/deskchat/deskchat/internal/gateway"
	"github.com/deskchat/deskchat/internal/presence"
)

// StartOpts holds configuration for the HTTP server.
type StartOpts struct {
	Addr        string
	DB          *gorm.DB
	Auth        *auth.Service
	Verifier    *auth.Verifier
	Resolver    *conversation.Resolver
	Presence    *presence.Registry
	Gateway     *gateway.Gateway
	ReadTimeout time.Duration
	Out         io.Writer
}

func (o StartOpts) validate() error {
	switch {
	case o.DB == nil:
		return fmt.Errorf("server: db is required")
	case o.Auth == nil:
		return fmt.Errorf("server: auth service is required")
	case o.Verifier == nil:
		return fmt.Errorf("server: verifier is required")
	case o.Resolver == nil:
		return fmt.Errorf("server: resolver is required")
	case o.Presence == nil:
		return fmt.Errorf("server: presence registry is required")
	case o.Gateway == nil:
		return fmt.Errorf("server: gateway is required")
	}
	return nil
}

// NewRouter builds the gin engine without starting a listener.
func NewRouter(opts StartOpts) (*gin.Engine, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())
	registerRoutes(router, opts)
	return router, nil
}

// Start launches the HTTP server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}
	if opts.Addr == "" {
		opts.Addr = ":3000"
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 15 * time.Second
	}

	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           router,
		ReadHeaderTimeout: opts.ReadTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "deskchat listening on %s (ws: /ws)\n", opts.Addr)
	}
	log.Info().Str("addr", opts.Addr).Msg("http server starting")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// requestLogger logs each non-upgrade request at debug level.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("http request")
	}
}
