package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcliao/memory-mesh/internal/model"
	"github.com/rcliao/memory-mesh/internal/resolve"
)

func init() {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect and resolve conflicting memories",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List open conflict records",
		RunE:  runConflictsList,
	}

	res := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve one conflict record",
		Long: `Resolve a conflict record with one of:

  1  keep_local   keep this node's value
  2  keep_remote  take the other node's value
  3  keep_both    keep the local value, archive the remote one under <key>_conflict_<id>
  4  ai_merge     ask the configured model to merge both; falls back to keep_local`,
		RunE: runConflictsResolve,
	}
	res.Flags().String("id", "", "Conflict id (required)")
	res.Flags().String("choice", "", "Resolution: 1-4 or its name (required)")
	res.Flags().String("strategy", "", "AI merge strategy: smart_merge, content_based, time_based")
	res.MarkFlagRequired("id")
	res.MarkFlagRequired("choice")

	detect := &cobra.Command{
		Use:   "detect",
		Short: "Compare local and remote versions and record new conflicts",
		RunE:  runConflictsDetect,
	}
	detect.Flags().String("keys", "", "Comma-separated keys (default: every public key)")

	cmd.AddCommand(list, res, detect)
	RootCmd.AddCommand(cmd)
}

type sideView struct {
	Node      string    `json:"node"`
	UpdatedAt time.Time `json:"updated_at"`
	Clock     string    `json:"clock"`
	Value     string    `json:"value"`
}

type conflictView struct {
	ID          string    `json:"conflict_id"`
	Key         string    `json:"key"`
	DetectedAt  time.Time `json:"detected_at"`
	CloseInTime bool      `json:"close_in_time"`
	Local       sideView  `json:"local"`
	Remote      sideView  `json:"remote"`
	Suggested   string    `json:"suggested"`
	Choices     []string  `json:"choices"`
}

func sideOf(e model.MemoryEntry) sideView {
	return sideView{Node: e.OriginNode, UpdatedAt: e.UpdatedAt, Clock: e.Clock.String(), Value: string(e.Value)}
}

func conflictViewOf(rec model.ConflictRecord) conflictView {
	v := conflictView{
		ID:          rec.ID,
		Key:         rec.Key,
		DetectedAt:  rec.DetectedAt,
		CloseInTime: rec.CloseInTime,
		Local:       sideOf(rec.Local),
		Remote:      sideOf(rec.Remote),
	}
	for i, k := range resolve.Suggest(rec) {
		if i == 0 {
			v.Suggested = k.String()
		}
		v.Choices = append(v.Choices, fmt.Sprintf("%d=%s", int(k), k))
	}
	return v
}

func runConflictsList(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	recs := a.guard.OpenConflicts()
	printDamaged(cmd, a.registry.Damaged())
	if formatFlag == "text" {
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKEY\tLOCAL\tREMOTE\tSUGGESTED")
		for _, rec := range recs {
			fmt.Fprintf(w, "%s\t%s\t%s@%s\t%s@%s\t%s\n",
				rec.ID, rec.Key,
				rec.Local.OriginNode, rec.Local.UpdatedAt.Format(time.RFC3339),
				rec.Remote.OriginNode, rec.Remote.UpdatedAt.Format(time.RFC3339),
				resolve.LastWriteWins(rec.Local, rec.Remote))
		}
		return w.Flush()
	}

	views := make([]conflictView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, conflictViewOf(rec))
	}
	return printJSON(cmd, views)
}

type resolveView struct {
	OK         bool      `json:"ok"`
	ConflictID string    `json:"conflict_id"`
	Key        string    `json:"key"`
	Requested  string    `json:"requested"`
	Applied    string    `json:"applied,omitempty"`
	ArchiveKey string    `json:"archive_key,omitempty"`
	Degraded   bool      `json:"degraded,omitempty"`
	Cause      string    `json:"cause,omitempty"`
	Attempts   int       `json:"attempts,omitempty"`
	Obsolete   bool      `json:"obsolete,omitempty"`
	Value      string    `json:"value,omitempty"`
	Clock      string    `json:"clock,omitempty"`
	ResolvedAt time.Time `json:"resolved_at"`
}

func runConflictsResolve(cmd *cobra.Command, args []string) error {
	id, _ := cmd.Flags().GetString("id")
	choiceStr, _ := cmd.Flags().GetString("choice")
	strategyStr, _ := cmd.Flags().GetString("strategy")

	kind, err := model.ParseChoice(choiceStr)
	if err != nil {
		return err
	}
	var strategy model.Strategy
	if strategyStr != "" {
		if strategy, err = model.ParseStrategy(strategyStr); err != nil {
			return err
		}
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	rec, found := a.registry.Get(id)
	if d, ok := a.registry.DamagedByID(id); ok {
		rec.Key = d.Key
	}
	out, err := a.guard.ResolveConflict(cmd.Context(), id, model.ResolutionChoice{Kind: kind, Strategy: strategy})
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "resolve failed: %v\n", err)
		if found {
			printSuggestions(cmd, []model.ConflictRecord{rec})
		} else {
			printSuggestions(cmd, a.guard.OpenConflicts())
		}
		return err
	}

	view := resolveView{
		OK:         true,
		ConflictID: id,
		Key:        rec.Key,
		Requested:  out.Requested.String(),
		Degraded:   out.Degraded,
		Attempts:   out.Attempts,
		Obsolete:   out.Obsolete,
		ResolvedAt: time.Now().UTC(),
	}
	if !out.Obsolete {
		view.Applied = out.Applied.Kind.String()
		view.ArchiveKey = out.Applied.ArchiveKey
		view.Value = string(out.Reconciliation.Entry.Value)
		view.Clock = out.Reconciliation.Entry.Clock.String()
	}
	if out.Cause != nil {
		view.Cause = out.Cause.Error()
	}
	return printJSON(cmd, view)
}

func runConflictsDetect(cmd *cobra.Command, args []string) error {
	keysStr, _ := cmd.Flags().GetString("keys")

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	keys := splitList(keysStr)
	if len(keys) == 0 {
		all, err := a.store.ExportAll(cmd.Context(), "")
		if err != nil {
			return err
		}
		for _, e := range all {
			if e.Public() {
				keys = append(keys, e.Key)
			}
		}
	}

	n, err := a.guard.DetectNewConflicts(cmd.Context(), keys)
	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":%t,"checked":%d,"new_conflicts":%d,"open_conflicts":%d}`+"\n",
		err == nil, len(keys), n, a.registry.Len())
	if err != nil {
		return fmt.Errorf("some keys could not be checked: %w", err)
	}
	return nil
}

// printDamaged reports records that could not be read. Resolving one with
// any choice discards it.
func printDamaged(cmd *cobra.Command, damaged []model.DamagedRecord) {
	w := cmd.ErrOrStderr()
	for _, d := range damaged {
		fmt.Fprintf(w, "conflict %s on %q is unreadable: %v\n", d.ID, d.Key, d.Err)
		fmt.Fprintf(w, "  discard:   memory conflicts resolve --id %s --choice 1\n", d.ID)
	}
}

// printSuggestions writes, for each record, the resolve command that
// last-writer-wins would pick and the full set of choices.
func printSuggestions(cmd *cobra.Command, recs []model.ConflictRecord) {
	w := cmd.ErrOrStderr()
	for _, rec := range recs {
		suggested := resolve.LastWriteWins(rec.Local, rec.Remote)
		fmt.Fprintf(w, "conflict %s on %q: local %s@%s vs remote %s@%s\n",
			rec.ID, rec.Key,
			rec.Local.OriginNode, rec.Local.UpdatedAt.Format(time.RFC3339),
			rec.Remote.OriginNode, rec.Remote.UpdatedAt.Format(time.RFC3339))
		fmt.Fprintf(w, "  suggested: memory conflicts resolve --id %s --choice %d  (%s, last writer wins)\n",
			rec.ID, int(suggested), suggested)
		fmt.Fprintf(w, "  choices:   %s\n", strings.TrimSpace(model.ValidChoices))
	}
}
