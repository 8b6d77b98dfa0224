package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export memories as JSON",
		Long:  "Export current entries, clocks included, as a JSON array. Filter by key prefix with -p.",
		RunE:  runExport,
	}

	cmd.Flags().StringP("prefix", "p", "", "Filter by key prefix")

	RootCmd.AddCommand(cmd)
}

func runExport(cmd *cobra.Command, args []string) error {
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
	return printJSON(cmd, entries)
}
