package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rcliao/memory-mesh/internal/model"
	"github.com/rcliao/memory-mesh/internal/peer"
)

func init() {
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Exchange public memories with other nodes",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept peer connections",
		Long:  "Serve the sync websocket on " + peer.SyncPath + " and a health check on /health until interrupted.",
		RunE:  runSyncServe,
	}
	serveCmd.Flags().String("addr", ":7420", "Listen address")

	pushCmd := &cobra.Command{
		Use:   "push",
		Short: "Send local public memories to a peer",
		RunE:  runSyncPush,
	}
	pushCmd.Flags().String("peer", "", "Peer URL, e.g. ws://host:7420/sync (required)")
	pushCmd.Flags().StringP("prefix", "p", "", "Only push keys with this prefix")
	pushCmd.MarkFlagRequired("peer")

	pullCmd := &cobra.Command{
		Use:   "pull",
		Short: "Fetch public memories from a peer",
		RunE:  runSyncPull,
	}
	pullCmd.Flags().String("peer", "", "Peer URL, e.g. ws://host:7420/sync (required)")
	pullCmd.Flags().String("since", "", "Only entries updated after this RFC3339 time or this long ago (e.g. 24h)")
	pullCmd.MarkFlagRequired("peer")

	syncCmd.AddCommand(serveCmd, pushCmd, pullCmd)
	RootCmd.AddCommand(syncCmd)
}

func runSyncServe(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	inbox := peer.NewInbox(a.store, a.guard, a.cfg.NodeID)
	srv := &http.Server{
		Addr:              addr,
		Handler:           peer.NewRouter(inbox, a.registry.Len),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Str("node", a.cfg.NodeID).Msg("sync server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-cmd.Context().Done():
		log.Info().Msg("shutting down sync server")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
}

func runSyncPush(cmd *cobra.Command, args []string) error {
	url, _ := cmd.Flags().GetString("peer")
	prefix, _ := cmd.Flags().GetString("prefix")

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	entries, err := a.store.ExportAll(cmd.Context(), prefix)
	if err != nil {
		return err
	}

	c, err := peer.Dial(cmd.Context(), url, a.cfg.NodeID)
	if err != nil {
		return err
	}
	defer c.Close()

	var sum peer.Summary
	for _, e := range entries {
		if !e.Public() {
			continue
		}
		res, err := c.Broadcast(cmd.Context(), e)
		if err != nil {
			if !errors.Is(err, peer.ErrPeer) {
				return err
			}
			log.Warn().Err(err).Str("key", e.Key).Msg("peer rejected entry")
			sum.Rejected++
			continue
		}
		switch res {
		case peer.Applied:
			sum.Applied++
		case peer.Ignored:
			sum.Ignored++
		case peer.Conflicted:
			sum.Conflicted++
		}
	}
	return printJSON(cmd, sum)
}

func runSyncPull(cmd *cobra.Command, args []string) error {
	url, _ := cmd.Flags().GetString("peer")
	sinceStr, _ := cmd.Flags().GetString("since")

	since, err := parseSince(sinceStr, time.Now())
	if err != nil {
		return err
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	local, err := a.store.ExportAll(cmd.Context(), "")
	if err != nil {
		return err
	}
	known := make([]string, 0, len(local))
	for _, e := range local {
		if e.Public() {
			known = append(known, e.Key)
		}
	}

	c, err := peer.Dial(cmd.Context(), url, a.cfg.NodeID)
	if err != nil {
		return err
	}
	defer c.Close()

	entries, err := c.Request(cmd.Context(), since, known)
	if err != nil {
		return err
	}
	sum, err := peer.NewInbox(a.store, a.guard, a.cfg.NodeID).ApplyAll(cmd.Context(), entries)
	if err != nil {
		return err
	}

	out := struct {
		peer.Summary
		Received      int                    `json:"received"`
		OpenConflicts []model.ConflictRecord `json:"open_conflicts,omitempty"`
	}{Summary: sum, Received: len(entries)}
	if sum.Conflicted > 0 {
		out.OpenConflicts = a.guard.OpenConflicts()
	}
	return printJSON(cmd, out)
}

// parseSince accepts an RFC3339 timestamp or a duration before now.
func parseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: want RFC3339 time or duration", s)
	}
	return now.Add(-d), nil
}
