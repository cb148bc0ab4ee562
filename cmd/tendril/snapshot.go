package main

import (
	"encoding/json"
	"fmt"

	"github.com/aretw0/tendril/internal/config"
	"github.com/aretw0/tendril/pkg/codec"
	"github.com/aretw0/tendril/pkg/ports"
	"github.com/spf13/cobra"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage persisted session snapshots",
	Long: `List, inspect, and remove the session snapshots of the configured store.
Without a persistent store configured, the file store at store.path is used.`,
}

var snapshotLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List persisted sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, release, err := snapshotStore(cmd)
		if err != nil {
			return err
		}
		defer release()

		ids, err := store.List(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list snapshots: %w", err)
		}
		out := cmd.OutOrStdout()
		if len(ids) == 0 {
			fmt.Fprintln(out, "No snapshots found.")
			return nil
		}
		fmt.Fprintln(out, "Snapshots:")
		for _, id := range ids {
			fmt.Fprintln(out, "- "+id)
		}
		return nil
	},
}

type inspectedField struct {
	Value     any    `json:"value"`
	Kind      string `json:"kind"`
	Timestamp uint64 `json:"ts"`
	Origin    string `json:"origin"`
}

var snapshotInspectCmd = &cobra.Command{
	Use:   "inspect <session-id>",
	Short: "Print the fields of a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, release, err := snapshotStore(cmd)
		if err != nil {
			return err
		}
		defer release()

		snap, err := store.Load(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to load snapshot %q: %w", args[0], err)
		}

		fields := make(map[string]inspectedField, len(snap.Fields))
		for k, f := range snap.Fields {
			v, err := codec.Decode(f.Value)
			if err != nil {
				v = string(f.Value)
			}
			fields[k] = inspectedField{Value: v, Kind: codec.KindOf(f.Value).String(), Timestamp: f.Timestamp, Origin: f.Origin}
		}
		data, err := json.MarshalIndent(map[string]any{
			"session_id": snap.SessionID,
			"saved_at":   snap.SavedAt,
			"keys":       snap.Keys(),
			"fields":     fields,
		}, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal snapshot: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

var snapshotRmCmd = &cobra.Command{
	Use:   "rm <session-id>...",
	Short: "Remove one or more snapshots",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, release, err := snapshotStore(cmd)
		if err != nil {
			return err
		}
		defer release()

		failed := 0
		for _, id := range args {
			if err := store.Delete(cmd.Context(), id); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Error removing '%s': %v\n", id, err)
				failed++
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed snapshot '%s'\n", id)
		}
		if failed > 0 {
			return fmt.Errorf("failed to remove %d snapshot(s)", failed)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(snapshotCmd)
	snapshotCmd.AddCommand(snapshotLsCmd)
	snapshotCmd.AddCommand(snapshotInspectCmd)
	snapshotCmd.AddCommand(snapshotRmCmd)
}

func snapshotStore(cmd *cobra.Command) (ports.SnapshotStore, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Store.Kind == config.StoreNone || cfg.Store.Kind == config.StoreMemory {
		cfg.Store.Kind = config.StoreFile
	}
	return buildSnapshotStore(cfg)
}
