package service

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/MimeLyc/ai-video-pipeline/internal/httpapi"
	"github.com/MimeLyc/ai-video-pipeline/pkg/log"
)

type ServeOptions struct {
	// API also starts the HTTP server; otherwise only workers and schedules run.
	API bool
	// Workers starts the worker pool.
	Workers bool
}

// Serve runs the selected components until ctx is cancelled, then shuts
// them down in reverse order.
func (a *App) Serve(ctx context.Context, opts ServeOptions) error {
	cfg := a.Config

	maint := NewMaintenance(a.Queue, a.Artifacts, a.Store, cfg.Retention.MaxAge)
	c := cron.New()
	if err := maint.Schedule(ctx, c, cfg.Retention.Cron, cfg.Worker.ReaperCron); err != nil {
		return err
	}
	c.Start()
	defer func() {
		<-c.Stop().Done()
	}()

	// a restarted process picks up leases left by its previous life
	if _, err := maint.Reap(ctx); err != nil {
		log.Warn("Initial lease reap failed: %v", err)
	}

	var serverOpts []httpapi.Option
	if opts.Workers {
		pool, err := a.NewPool()
		if err != nil {
			return err
		}
		pool.Start(ctx)
		defer pool.Stop()
		serverOpts = append(serverOpts, httpapi.WithPoolStats(pool.Stats))
	}

	if !opts.API {
		<-ctx.Done()
		return nil
	}

	serverOpts = append(serverOpts,
		httpapi.WithPresets(a.Presets),
		httpapi.WithUI(cfg.Server.UIStaticDir, cfg.Server.UIEnabled),
		httpapi.WithStreamInterval(cfg.Server.StreamInterval),
		httpapi.WithHealthCheck("database", a.StoreCheck),
		httpapi.WithHealthCheck("ffmpeg", a.FFmpegCheck),
		httpapi.WithNextCleanup(maint.NextCleanup),
	)
	server := httpapi.NewServer(a.Queue, a.Artifacts, serverOpts...)

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP API listening on %s", cfg.Server.Addr)
		if err := server.ListenAndServe(cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
