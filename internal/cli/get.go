package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Retrieve a memory",
		Long:  "Print the local version of a key, with the ids of any open conflicts on it.",
		RunE:  runGet,
	}

	cmd.Flags().StringP("key", "k", "", "Key (required)")
	cmd.Flags().Bool("remote", false, "Also print pending remote versions")

	cmd.MarkFlagRequired("key")

	RootCmd.AddCommand(cmd)
}

func runGet(cmd *cobra.Command, args []string) error {
	key, _ := cmd.Flags().GetString("key")
	withRemote, _ := cmd.Flags().GetBool("remote")

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	e, err := a.store.Get(cmd.Context(), key)
	if err != nil {
		return err
	}
	v := viewOf(*e)
	for _, rec := range a.registry.ForKeys([]string{key}) {
		v.Conflicts = append(v.Conflicts, rec.ID)
	}
	if !withRemote {
		return printJSON(cmd, v)
	}

	remotes, err := a.store.RemoteVersions(cmd.Context(), key)
	if err != nil {
		return err
	}
	out := struct {
		entryView
		Remote []entryView `json:"remote_versions"`
	}{entryView: v, Remote: make([]entryView, 0, len(remotes))}
	for _, r := range remotes {
		out.Remote = append(out.Remote, viewOf(r))
	}
	return printJSON(cmd, out)
}
