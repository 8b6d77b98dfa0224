package cli

import (
	"errors"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/memory-mesh/internal/model"
	"github.com/rcliao/memory-mesh/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "put [content]",
		Short: "Store a memory",
		Long:  "Store a memory under --key. Content can be a positional arg or piped via stdin.",
		RunE:  runPut,
	}

	cmd.Flags().StringP("key", "k", "", "Key (required)")
	cmd.Flags().String("domain", "public", "Domain: public (replicated) or private (this node only)")

	cmd.MarkFlagRequired("key")

	RootCmd.AddCommand(cmd)
}

func runPut(cmd *cobra.Command, args []string) error {
	key, _ := cmd.Flags().GetString("key")
	domainStr, _ := cmd.Flags().GetString("domain")

	domain, err := model.ParseDomain(domainStr)
	if err != nil {
		return err
	}

	content, err := readContent(cmd, args)
	if err != nil {
		return err
	}
	if strings.TrimSpace(content) == "" {
		return errors.New("content is required (positional arg or stdin)")
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	e, err := a.store.Write(cmd.Context(), store.WriteParams{
		Key:    key,
		Value:  []byte(strings.TrimSpace(content)),
		Domain: domain,
		NodeID: a.cfg.NodeID,
	})
	if err != nil {
		return err
	}
	return printJSON(cmd, viewOf(*e))
}

// readContent takes the positional args, or stdin when it is not a terminal.
func readContent(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok {
		stat, err := f.Stat()
		if err != nil || stat.Mode()&os.ModeCharDevice != 0 {
			return "", nil
		}
	}
	b, err := io.ReadAll(in)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
