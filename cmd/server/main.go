package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"

	"github.com/Tyrowin/linechat/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// run builds every component from the environment and blocks until a signal
// or a listener failure stops the server.
func run() error {
	_ = godotenv.Load()

	config, err := server.NewConfigFromEnv()
	if err != nil {
		return err
	}
	log := logs.GetLoggerFromString(config.LogLevel)

	dispatcher, err := config.NewDispatcher()
	if err != nil {
		return fmt.Errorf("command setup failed: %w", err)
	}
	filters, err := config.NewFilterChain()
	if err != nil {
		return fmt.Errorf("filter setup failed: %w", err)
	}
	sup := server.NewSupervisor(*config, log, dispatcher, filters)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", config.Addr, err)
	}

	errChan := make(chan error, 2)
	go func() {
		if err := sup.Serve(listener); err != nil && !errors.Is(err, server.ErrServerClosed) {
			errChan <- fmt.Errorf("chat server error: %w", err)
		}
	}()

	var httpServer *http.Server
	if config.HTTPAddr != "" {
		httpServer = server.CreateServer(config.HTTPAddr, server.SetupRoutes(sup, *config))
		go func() {
			if err := server.StartServer(httpServer, log); err != nil {
				errChan <- fmt.Errorf("HTTP server error: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
	case runErr = <-errChan:
		log.Error("Server failed", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		log.Warn("Chat server shutdown incomplete", "error", err)
	}
	if httpServer != nil {
		_ = server.ShutdownServer(httpServer, config.ShutdownTimeout, log)
	}

	log.Info("Program stopped cleanly")
	return runErr
}
