package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oceanbase/memtier-go/pkg/core"
	"github.com/oceanbase/memtier-go/pkg/server"
)

var serveAddr string

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API with the decay sweep and scheduled consolidation",
		RunE:  runServe,
	}
	cmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default: server.addr from config)")

	RootCmd.AddCommand(cmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	client, err := openClient(cmd.Context(), core.WithBackground())
	if err != nil {
		return err
	}
	defer client.Close()

	logger := client.Logger()
	addr := serveAddr
	if addr == "" {
		addr = client.Config().Server.Addr
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.New(client, Version, server.WithLogger(logger)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(done)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("memtier serving", slog.String("addr", addr), slog.String("version", Version))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-done:
	}
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return httpServer.Shutdown(ctx)
}
