package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "rm",
		Short: "Delete a memory",
		Long:  "Delete a key, its pending remote versions and its conflict records. Deletes are local and do not replicate.",
		RunE:  runRm,
	}

	cmd.Flags().StringP("key", "k", "", "Key (required)")

	cmd.MarkFlagRequired("key")

	RootCmd.AddCommand(cmd)
}

func runRm(cmd *cobra.Command, args []string) error {
	key, _ := cmd.Flags().GetString("key")

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	unlock := a.guard.LockKey(key)
	defer unlock()
	// The store drops the key's conflict records in the same transaction.
	if err := a.store.Delete(cmd.Context(), key); err != nil {
		return err
	}
	closed := a.registry.ForgetKey(key)

	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"key":%q,"closed_conflicts":%d}`+"\n", key, closed)
	return nil
}
