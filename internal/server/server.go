// Package server exposes webhooks, the live event stream and the
// conversation API over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/ingest"
	"github.com/zulandar/switchboard/internal/live"
	"github.com/zulandar/switchboard/internal/messaging"
)

const (
	// DefaultHeartbeat is the interval between SSE keep-alive comments.
	DefaultHeartbeat = 15 * time.Second

	shutdownTimeout = 10 * time.Second
	maxBodyBytes    = 1 << 20
)

// Deps are the collaborators the HTTP handlers call into.
type Deps struct {
	Service  *messaging.Service
	Registry *live.Registry
	Pipeline *ingest.Pipeline
	// Presence backs /live/status and the expiry job. Optional.
	Presence  *live.GormPresence
	Webhook   config.WebhookConfig
	Heartbeat time.Duration
	Logger    zerolog.Logger
}

func (d *Deps) validate() error {
	switch {
	case d.Service == nil:
		return fmt.Errorf("server: messaging service is required")
	case d.Registry == nil:
		return fmt.Errorf("server: live registry is required")
	case d.Pipeline == nil:
		return fmt.Errorf("server: ingest pipeline is required")
	}
	if d.Heartbeat <= 0 {
		d.Heartbeat = DefaultHeartbeat
	}
	return nil
}

// StartOpts holds configuration for the HTTP server.
type StartOpts struct {
	Deps
	Port int
	Out  io.Writer
	// CleanupSchedule drives stale subscription cleanup and presence
	// expiry. ResetSchedule drops the unread cache. Empty disables a job.
	CleanupSchedule string
	ResetSchedule   string
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(d Deps) (*gin.Engine, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(d.Logger), requestMetrics())
	registerRoutes(router, &d)
	return router, nil
}

// Start launches the HTTP server and maintenance jobs. It blocks until ctx
// is cancelled, then closes live streams and shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	gin.SetMode(gin.ReleaseMode)
	router, err := NewRouter(opts.Deps)
	if err != nil {
		return err
	}

	jobs := maintenanceJobs(opts)
	if err := validateJobs(jobs); err != nil {
		return err
	}
	jobCtx, stopJobs := context.WithCancel(ctx)
	defer stopJobs()
	runJobs(jobCtx, opts.Logger, jobs)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown on context cancellation. Live streams are closed
	// first so their handlers return and Shutdown can drain.
	go func() {
		<-ctx.Done()
		opts.Registry.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			opts.Logger.Warn().Err(err).Msg("http shutdown")
		}
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Switchboard listening on http://localhost:%d\n", opts.Port)
	}
	opts.Logger.Info().Int("port", opts.Port).Msg("server started")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	opts.Pipeline.Wait()
	return nil
}

func maintenanceJobs(opts StartOpts) []job {
	jobs := []job{{
		name: "live-cleanup",
		expr: opts.CleanupSchedule,
		run: func(context.Context) error {
			if n := opts.Registry.CleanupStale(); n > 0 {
				opts.Logger.Info().Int("removed", n).Msg("stale live subscriptions removed")
			}
			return nil
		},
	}}
	if opts.Presence != nil {
		jobs = append(jobs, job{
			name: "presence-expiry",
			expr: opts.CleanupSchedule,
			run: func(ctx context.Context) error {
				n, err := opts.Presence.ExpireStale(ctx)
				if n > 0 {
					opts.Logger.Info().Int64("expired", n).Msg("stale presence records expired")
				}
				return err
			},
		})
	}
	jobs = append(jobs, job{
		name: "unread-reset",
		expr: opts.ResetSchedule,
		run:  opts.Service.ResetUnreadCache,
	})
	return jobs
}
