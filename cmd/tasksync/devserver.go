package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/tasksync/devserver"
)

var (
	serveAddr     string
	serveWebhooks []string
	serveSecret   string
	serveNoSeed   bool
)

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8787", "listen address")
	serveCmd.Flags().StringSliceVar(&serveWebhooks, "webhook", nil, "URL to POST every change notification to (repeatable)")
	serveCmd.Flags().StringVar(&serveSecret, "webhook-secret", os.Getenv("TASKSYNC_WEBHOOK_SECRET"), "HMAC secret for webhook signatures")
	serveCmd.Flags().BoolVar(&serveNoSeed, "empty", false, "start without demo data")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:     "devserver",
	Aliases: []string{"serve"},
	Short:   "Run the in-memory development backend",
	Long:    "Run a local backend with RPC, realtime and webhook delivery.\nBearer tokens are taken as user ids; the demo data has users alice, bob and carol.",
	RunE:    func(cmd *cobra.Command, args []string) error {
		s := devserver.New(devserver.Options{
			WebhookURLs:   serveWebhooks,
			WebhookSecret: serveSecret,
			Logger:        log,
		})
		if !serveNoSeed {
			s.SeedDemo()
		}

		srv := &http.Server{Addr: serveAddr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errc := make(chan error, 1)
		go func() { errc <- srv.ListenAndServe() }()
		log.Info().Str("addr", serveAddr).Bool("seeded", !serveNoSeed).Msg("devserver listening")

		select {
		case err := <-errc:
			return err
		case <-ctx.Done():
		}
		log.Info().Msg("shutting down")
		s.DropClients()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}
