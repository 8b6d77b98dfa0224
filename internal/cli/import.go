package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rcliao/memory-mesh/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import memories from JSON",
		Long: `Import entries produced by export (stdin or --file).

Entries the local store already has, or has newer versions of, are skipped.
Public entries concurrent with the local version are kept as remote versions
and become conflict records.`,
		RunE: runImport,
	}

	cmd.Flags().String("file", "", "Read from file instead of stdin")

	RootCmd.AddCommand(cmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	file, _ := cmd.Flags().GetString("file")

	var in io.Reader = cmd.InOrStdin()
	if file != "" {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	var entries []model.MemoryEntry
	if err := json.NewDecoder(in).Decode(&entries); err != nil {
		return fmt.Errorf("parse json: %w", err)
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	imported, concurrent, err := a.store.Import(cmd.Context(), entries)
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}

	var keys []string
	for _, e := range concurrent {
		if !e.Public() {
			log.Warn().Str("key", e.Key).Msg("concurrent private entry skipped")
			continue
		}
		if err := a.store.PutRemote(cmd.Context(), e); err != nil {
			return err
		}
		keys = append(keys, e.Key)
	}
	created := 0
	if len(keys) > 0 {
		created, err = a.guard.DetectNewConflicts(cmd.Context(), keys)
		if err != nil {
			return err
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"imported":%d,"conflicts":%d}`+"\n", imported, created)
	return nil
}
