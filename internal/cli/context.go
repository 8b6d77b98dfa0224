package cli

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcliao/memory-mesh/internal/guard"
)

func init() {
	cmd := &cobra.Command{
		Use:   "context",
		Short: "Assemble memories for a task",
		Long: `Run the conflict check for --keys and print the memories a task would get.

Fails without printing any memory when one of the keys has an open conflict.
Resolve it with "memory conflicts resolve" first.`,
		RunE: runContext,
	}

	cmd.Flags().String("keys", "", "Comma-separated keys (required)")

	cmd.MarkFlagRequired("keys")

	RootCmd.AddCommand(cmd)
}

type contextView struct {
	CheckedAt time.Time   `json:"checked_at"`
	Missing   []string    `json:"missing,omitempty"`
	Memories  []entryView `json:"memories"`
}

func runContext(cmd *cobra.Command, args []string) error {
	keysStr, _ := cmd.Flags().GetString("keys")
	keys := splitList(keysStr)
	if len(keys) == 0 {
		return errors.New("at least one key is required")
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	checked, err := a.guard.Task(keys...).Check(cmd.Context())
	if err != nil {
		var blocked *guard.ConflictBlockedError
		if errors.As(err, &blocked) {
			printSuggestions(cmd, blocked.Records)
		}
		return err
	}

	return checked.Run(cmd.Context(), func(_ context.Context, mem *guard.SafeMemoryContext) error {
		out := contextView{CheckedAt: mem.CheckedAt(), Memories: []entryView{}}
		for _, k := range mem.Keys() {
			e, ok := mem.Get(k)
			if !ok {
				out.Missing = append(out.Missing, k)
				continue
			}
			out.Memories = append(out.Memories, viewOf(e))
		}
		return printJSON(cmd, out)
	})
}
