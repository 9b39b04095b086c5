package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/elmops/elm/internal/metrics"
)

func newStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize the last metrics snapshot written by a host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.load()
			if err != nil {
				return err
			}
			rt := &runtime{cfg: cfg}
			path := rt.metricsPath()
			snap, err := readMetricsSnapshot(path)
			if err != nil {
				return err
			}
			printStatus(c.stdout, snap)
			return nil
		},
	}
}

func readMetricsSnapshot(path string) (metrics.Snapshot, error) {
	var snap metrics.Snapshot
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return snap, fmt.Errorf("no metrics snapshot at %s", path)
	}
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("decode %s: %w", path, err)
	}
	return snap, nil
}

func printStatus(w io.Writer, snap metrics.Snapshot) {
	fmt.Fprintf(w, "Host snapshot at %s:\n", snap.GeneratedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "  peers: current=%d joined=%d lost=%d left=%d\n",
		snap.Peers.Current, snap.Peers.Joined, snap.Peers.Lost, snap.Peers.Left)
	fmt.Fprintf(w, "  key exchange: accepted=%d rejected=%d\n", snap.KeyExchange.Accepted, snap.KeyExchange.Rejected)
	fmt.Fprintf(w, "  actions: applied=%d rejected=%d\n", snap.Store.ActionsApplied, snap.Store.ActionsRejected)
	fmt.Fprintf(w, "  updates broadcast: %d\n", snap.Store.UpdatesBroadcast)
	fmt.Fprintf(w, "  gate: accepted=%d", snap.Gate.Accepted)
	reasons := make([]string, 0, len(snap.Gate.DropByReason))
	for r := range snap.Gate.DropByReason {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		fmt.Fprintf(w, " %s=%d", r, snap.Gate.DropByReason[r])
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  frames: received=%d rejected=%d handler_panics=%d\n",
		snap.Router.FramesReceived, snap.Router.FramesRejected, snap.Router.HandlerPanics)
	for _, rec := range snap.Recent {
		fmt.Fprintf(w, "  v%d %s by %s\n", rec.Version, rec.Type, rec.Sender)
	}
}
