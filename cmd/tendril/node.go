package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aretw0/tendril"
	httpAdapter "github.com/aretw0/tendril/pkg/adapters/http"
	"github.com/aretw0/tendril/pkg/observability"
	"github.com/aretw0/tendril/pkg/replication"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run a node joined to a session",
	Long: `Starts a node, creates one object seeded with the --set fields and joins it to --session.
Every change and peer transition is logged. With --stdin, lines of the form key=value are written
to the object. With an HTTP address the node serves its inspection API and metrics.`,
	RunE: runNode,
}

func init() {
	rootCmd.AddCommand(nodeCmd)
	nodeCmd.Flags().StringP("session", "s", "", "Session ID to join (generated when empty)")
	nodeCmd.Flags().String("id", "", "Node ID (overrides node.id)")
	nodeCmd.Flags().StringArray("set", nil, "Seed a field, as key=value; values are parsed as JSON when possible")
	nodeCmd.Flags().String("http", "", "Address of the inspection API (overrides http.addr)")
	nodeCmd.Flags().Bool("stdin", false, "Read key=value writes from standard input")
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if id, _ := cmd.Flags().GetString("id"); id != "" {
		cfg.Node.ID = id
	}
	if addr, _ := cmd.Flags().GetString("http"); addr != "" {
		cfg.HTTP.Addr = addr
	}
	sets, _ := cmd.Flags().GetStringArray("set")
	fields, err := parseAssignments(sets)
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	nodeID := cfg.Node.ID
	if nodeID == "" {
		nodeID = replication.NewNodeID()
	}
	ctx := context.Background()

	transport, releaseTransport, err := buildTransport(ctx, cfg, nodeID, logger)
	if err != nil {
		return fmt.Errorf("failed to build transport: %w", err)
	}
	defer releaseTransport()
	snapshots, releaseStore, err := buildSnapshotStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to build snapshot store: %w", err)
	}
	defer releaseStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	opts := []tendril.Option{
		tendril.WithTransport(transport),
		tendril.WithLogger(logger),
		tendril.WithMetrics(observability.NewMetrics(reg)),
		tendril.WithSizeLimit(cfg.Node.SizeLimit),
		tendril.WithPeerTimeout(cfg.Node.PeerTimeout),
	}
	if snapshots != nil {
		opts = append(opts, tendril.WithSnapshotStore(snapshots))
	}
	store, err := tendril.New(opts...)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			logger.Warn("Store did not close cleanly", "error", err)
		}
	}()

	sessionID, _ := cmd.Flags().GetString("session")
	if sessionID == "" {
		sessionID = store.GenerateSessionID()
	}
	obj, err := store.CreateObject(fields)
	if err != nil {
		return err
	}
	if err := obj.SetSessionID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to join %q: %w", sessionID, err)
	}
	// Callbacks live on the session, so register them once joined.
	watch(obj, logger)
	logger.Info("Node joined session", "node_id", store.NodeID(), "session_id", sessionID, "keys", obj.Keys())

	serverErrors := make(chan error, 1)
	var srv *http.Server
	if cfg.HTTP.Addr != "" {
		srv = &http.Server{
			Addr:    cfg.HTTP.Addr,
			Handler: httpAdapter.NewHandler(store, httpAdapter.WithGatherer(reg), httpAdapter.WithLogger(logger)),
		}
		go func() {
			logger.Info("Serving inspection API", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErrors <- err
			}
		}()
	}

	if stdin, _ := cmd.Flags().GetBool("stdin"); stdin {
		go readWrites(ctx, obj, logger)
	}

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdownSignal():
		logger.Info("Shutting down", "signal", sig.String())
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Graceful shutdown did not complete", "timeout", shutdownTimeout, "error", err)
			_ = srv.Close()
		}
	}
	return nil
}

// watch logs the object's events. It does nothing while the object is unjoined.
func watch(obj *tendril.Object, logger *slog.Logger) {
	obj.OnChange(func(ev tendril.ChangeEvent) {
		for _, key := range ev.Keys {
			v, err := obj.Get(key)
			if err != nil {
				logger.Warn("Changed field is unreadable", "session_id", ev.SessionID, "key", key, "error", err)
				continue
			}
			logger.Info("Field changed", "session_id", ev.SessionID, "origin", ev.Origin, "key", key, "value", v)
		}
	})
	obj.OnStatus(func(ev tendril.StatusEvent) {
		logger.Info("Peer status", "session_id", ev.SessionID, "peer_id", ev.PeerID, "state", string(ev.State))
	})
}

func readWrites(ctx context.Context, obj *tendril.Object, logger *slog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields, err := parseAssignments([]string{line})
		if err != nil {
			logger.Warn("Ignoring input", "error", err)
			continue
		}
		if err := obj.Update(ctx, fields); err != nil {
			logger.Warn("Write failed", "error", err)
		}
	}
}

// parseAssignments turns key=value pairs into fields. Values that are valid
// JSON keep their JSON type; anything else is a string.
func parseAssignments(pairs []string) (map[string]any, error) {
	fields := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid assignment %q: expected key=value", pair)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil || v == nil {
			v = raw
		}
		fields[key] = v
	}
	return fields, nil
}
