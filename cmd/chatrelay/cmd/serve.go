package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nfrund/chatrelay/internal/config"
	"github.com/nfrund/chatrelay/internal/history"
	"github.com/nfrund/chatrelay/internal/logging"
	"github.com/nfrund/chatrelay/internal/pubsub"
	"github.com/nfrund/chatrelay/internal/server"
	"github.com/spf13/cobra"
)

var (
	serveAddr        string
	serveHistoryPath string
	serveStatusAddr  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat relay",
	Long: `Run the chat relay until interrupted.

Configuration comes from the environment (and a .env file if present);
flags override it:

  CHAT_ADDR            listen address (default :1997)
  CHAT_HISTORY_PATH    transcript file (default messages.json)
  CHAT_STATUS_ADDR     HTTP status listener, disabled when empty
  CHAT_IDLE_TIMEOUT    drop clients silent for this long, 0 disables
  LOG_FORMAT           text or json
  LOG_LEVEL            debug, info, warn or error

On SIGINT or SIGTERM the relay stops accepting connections and saves the
transcript. If the save fails the transcript is printed to stdout instead.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "TCP listen address (overrides CHAT_ADDR)")
	serveCmd.Flags().StringVar(&serveHistoryPath, "history", "", "transcript file (overrides CHAT_HISTORY_PATH)")
	serveCmd.Flags().StringVar(&serveStatusAddr, "status-addr", "", "HTTP status listen address (overrides CHAT_STATUS_ADDR)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.New()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("addr") {
		cfg.Addr = serveAddr
	}
	if cmd.Flags().Changed("history") {
		cfg.HistoryPath = serveHistoryPath
	}
	if cmd.Flags().Changed("status-addr") {
		cfg.StatusAddr = serveStatusAddr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.New(cfg.LogFormat, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, logger)

	tracer, shutdownTracing, err := pubsub.SetupOTel(ctx, pubsub.LoadTracingConfigFromEnv())
	if err != nil {
		return fmt.Errorf("set up tracing: %w", err)
	}
	defer shutdownTracing()

	srv, err := server.New(cfg, server.Options{Tracer: tracer})
	if err != nil {
		var loadErr *history.LoadError
		if errors.As(err, &loadErr) {
			logger.Error("Refusing to start with an unreadable history", "path", loadErr.Path, "error", loadErr.Err)
		}
		return err
	}
	defer srv.Close()

	if err := srv.ListenAndServe(ctx); err != nil {
		return err
	}
	logger.Info("Server stopped", "sessions_still_open", srv.ActiveSessions())
	return nil
}
