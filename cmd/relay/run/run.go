package run

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hossein1376/grape/slogger"

	"github.com/Bentlybro/whisper/internal/relay/config"
	"github.com/Bentlybro/whisper/internal/relay/handlers"
	"github.com/Bentlybro/whisper/internal/relay/hub"
)

func Run() error {
	ctx := context.Background()

	var cfgPath string
	flag.StringVar(&cfgPath, "config", ".assets/relay.toml", "config path")
	flag.Parse()

	cfg, err := config.New(cfgPath)
	if err != nil {
		return fmt.Errorf("new config: %w", err)
	}
	slogger.NewDefault(slogger.WithLevel(cfg.Server.LogLevel))

	h := hub.New()
	router := handlers.New(h, cfg)

	server := &http.Server{
		Addr:    cfg.Server.Address,
		Handler: router,
		// Read/write deadlines would kill long-lived sockets; the clients
		// drive liveness with control pings instead.
	}

	errCh := make(chan error, 1)
	exitCh := make(chan os.Signal, 1)
	signal.Notify(exitCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		slog.Info("starting relay",
			slog.String("address", server.Addr),
			slog.String("mode", "blind forwarding, in-memory only"),
		)
		if err := server.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("starting server: %w", err)
	case <-exitCh:
		slogger.Info(ctx, "received exit signal")
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	}
}
