package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/memory-mesh/internal/config"
	"github.com/rcliao/memory-mesh/internal/model"
	"github.com/rcliao/memory-mesh/internal/scope"
)

func init() {
	scopeCmd := &cobra.Command{
		Use:   "scope",
		Short: "Workspace scope management",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the scope of the workspace (initializing it if needed)",
		RunE:  runScopeShow,
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the workspace scope",
		Long: `Initialize the workspace scope file.

Without --id the scope id is a hash of the workspace path, fixed at first
initialization. With --id the given id is stored verbatim, so workspaces on
different machines or paths can share one memory scope.`,
		RunE: runScopeInit,
	}
	initCmd.Flags().String("id", "", "Explicit scope id")
	initCmd.Flags().String("name", "", "Display name")
	initCmd.Flags().String("domain", "public", "Default domain: public or private")

	scopeCmd.AddCommand(showCmd, initCmd)
	RootCmd.AddCommand(scopeCmd)
}

type scopeView struct {
	scope.Scope
	ScopeFile string `json:"scope_file"`
	DBPath    string `json:"db_path"`
}

func runScopeShow(cmd *cobra.Command, args []string) error {
	sc, err := resolveScope()
	if err != nil {
		return err
	}
	return printScope(cmd, sc)
}

func runScopeInit(cmd *cobra.Command, args []string) error {
	id, _ := cmd.Flags().GetString("id")
	name, _ := cmd.Flags().GetString("name")
	domainStr, _ := cmd.Flags().GetString("domain")

	if id == "" {
		return runScopeShow(cmd, args)
	}

	domain, err := model.ParseDomain(domainStr)
	if err != nil {
		return err
	}
	dir, err := workspaceDir()
	if err != nil {
		return err
	}
	sc := scope.Custom(id, name, domain)
	if err := scope.Save(config.ScopeFilePath(dir), sc); err != nil {
		return err
	}
	return printScope(cmd, sc)
}

func printScope(cmd *cobra.Command, sc scope.Scope) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dir, err := workspaceDir()
	if err != nil {
		return err
	}
	return printJSON(cmd, scopeView{
		Scope:     sc,
		ScopeFile: config.ScopeFilePath(dir),
		DBPath:    cfg.ScopeDBPath(sc.ID),
	})
}
