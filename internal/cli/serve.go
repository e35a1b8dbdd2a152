package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MimeLyc/ai-video-pipeline/internal/service"
)

var serveNoWorkers bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the worker pool and the maintenance schedules",
	Long: `Run the HTTP API together with the worker pool, the retention sweep and
the lease reaper. Use --no-workers to run the API alone and scale workers
separately with "aivideo worker".

Examples:
  aivideo serve
  aivideo serve --no-workers
  HTTP_ADDR=:9000 WORKER_COUNT=4 aivideo serve`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		return app.Serve(ctx, service.ServeOptions{API: true, Workers: !serveNoWorkers})
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run only the worker pool and the lease reaper",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		return app.Serve(ctx, service.ServeOptions{Workers: true})
	},
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoWorkers, "no-workers", false, "do not start the worker pool")
}
