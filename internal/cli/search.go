package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/memory-mesh/internal/model"
	"github.com/rcliao/memory-mesh/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search memories by keyword",
		Long:  "Search keys and values for matching text. With --remote, pending remote versions are searched too.",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSearch,
	}

	cmd.Flags().String("domain", "", "Filter by domain: public or private")
	cmd.Flags().Bool("remote", false, "Include pending remote versions")
	cmd.Flags().IntP("limit", "l", 20, "Max results")

	RootCmd.AddCommand(cmd)
}

type searchView struct {
	entryView
	Remote bool `json:"remote,omitempty"`
}

func runSearch(cmd *cobra.Command, args []string) error {
	domainStr, _ := cmd.Flags().GetString("domain")
	withRemote, _ := cmd.Flags().GetBool("remote")
	limit, _ := cmd.Flags().GetInt("limit")

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

	results, err := a.store.Search(cmd.Context(), store.SearchParams{
		Query:  strings.Join(args, " "),
		Domain: domain,
		Remote: withRemote,
		Limit:  limit,
	})
	if err != nil {
		return err
	}

	views := make([]searchView, 0, len(results))
	for _, r := range results {
		v := searchView{entryView: viewOf(r.MemoryEntry), Remote: r.Remote}
		for _, rec := range a.registry.ForKeys([]string{r.Key}) {
			v.Conflicts = append(v.Conflicts, rec.ID)
		}
		views = append(views, v)
	}
	return printJSON(cmd, views)
}
