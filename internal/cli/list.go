package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/memory-mesh/internal/model"
	"github.com/rcliao/memory-mesh/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List memories",
		RunE:  runList,
	}

	cmd.Flags().StringP("prefix", "p", "", "Filter by key prefix")
	cmd.Flags().String("domain", "", "Filter by domain: public or private")
	cmd.Flags().IntP("limit", "l", 20, "Max results")
	cmd.Flags().Bool("keys-only", false, "Only output keys")

	RootCmd.AddCommand(cmd)
}

func runList(cmd *cobra.Command, args []string) error {
	prefix, _ := cmd.Flags().GetString("prefix")
	domainStr, _ := cmd.Flags().GetString("domain")
	limit, _ := cmd.Flags().GetInt("limit")
	keysOnly, _ := cmd.Flags().GetBool("keys-only")

	var domain model.Domain
	if domainStr != "" {
		d, err := model.ParseDomain(domainStr)
		if err != nil {
			return err
		}
		domain = d
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	entries, err := a.store.List(cmd.Context(), store.ListParams{
		Prefix: prefix,
		Domain: domain,
		Limit:  limit,
	})
	if err != nil {
		return err
	}

	if keysOnly {
		for _, e := range entries {
			fmt.Fprintln(cmd.OutOrStdout(), e.Key)
		}
		return nil
	}

	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, viewOf(e))
	}
	return printJSON(cmd, views)
}
