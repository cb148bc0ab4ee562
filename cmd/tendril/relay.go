package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	wsAdapter "github.com/aretw0/tendril/pkg/adapters/websocket"
	"github.com/spf13/cobra"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run a websocket relay",
	Long:  `Starts a websocket relay that nodes using the websocket transport connect to (ws://<addr>/?node=<id>).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := newLogger(cfg)
		addr, _ := cmd.Flags().GetString("addr")

		relay := wsAdapter.NewRelay(wsAdapter.WithRelayLogger(logger))
		srv := &http.Server{
			Addr:    addr,
			Handler: relay,
		}

		serverErrors := make(chan error, 1)
		go func() {
			logger.Info("Starting relay", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErrors <- err
			}
		}()

		select {
		case err := <-serverErrors:
			return fmt.Errorf("relay error: %w", err)
		case sig := <-shutdownSignal():
			logger.Info("Shutting down relay", "signal", sig.String())
		}

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := relay.Close(); err != nil {
			logger.Warn("Relay did not close cleanly", "error", err)
		}
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("Graceful shutdown did not complete", "timeout", shutdownTimeout, "error", err)
			_ = srv.Close()
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(relayCmd)
	relayCmd.Flags().String("addr", ":8090", "Address to listen on")
}
