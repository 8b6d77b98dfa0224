package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcliao/memory-mesh/internal/completion"
	"github.com/rcliao/memory-mesh/internal/config"
	"github.com/rcliao/memory-mesh/internal/conflict"
	"github.com/rcliao/memory-mesh/internal/guard"
	"github.com/rcliao/memory-mesh/internal/model"
	"github.com/rcliao/memory-mesh/internal/resolve"
	"github.com/rcliao/memory-mesh/internal/scope"
	"github.com/rcliao/memory-mesh/internal/store"
)

// app is the set of components one command invocation works with.
type app struct {
	cfg      config.Config
	dbPath   string
	store    *store.SQLiteStore
	registry *conflict.Registry
	guard    *guard.Guard
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	path := cfg.DBPath
	if path == "" {
		sc, err := resolveScope()
		if err != nil {
			return nil, err
		}
		path = cfg.ScopeDBPath(sc.ID)
	}

	st, err := store.NewSQLiteStore(path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	reg := conflict.NewRegistry(st)
	if err := reg.Load(ctx); err != nil {
		st.Close()
		return nil, err
	}

	eng := resolve.NewEngine(completion.NewFromConfig(*cfg), resolve.OptionsFromConfig(*cfg))
	g, err := guard.New(*cfg, st, reg, eng)
	if err != nil {
		st.Close()
		return nil, err
	}
	log.Debug().Str("db", path).Str("node", cfg.NodeID).Int("open_conflicts", reg.Len()).Msg("store opened")

	return &app{cfg: g.Config(), dbPath: path, store: st, registry: reg, guard: g}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func workspaceDir() (string, error) {
	if workDir != "" {
		return workDir, nil
	}
	return os.Getwd()
}

func resolveScope() (scope.Scope, error) {
	dir, err := workspaceDir()
	if err != nil {
		return scope.Scope{}, err
	}
	return scope.FromConfig(config.ScopeFilePath(dir))
}

// entryView is the CLI rendering of an entry: the value as text.
type entryView struct {
	Key        string    `json:"key"`
	Value      string    `json:"value"`
	Domain     string    `json:"domain"`
	Clock      string    `json:"clock"`
	OriginNode string    `json:"origin_node"`
	UpdatedAt  time.Time `json:"updated_at"`
	Conflicts  []string  `json:"open_conflicts,omitempty"`
}

func viewOf(e model.MemoryEntry) entryView {
	return entryView{
		Key:        e.Key,
		Value:      string(e.Value),
		Domain:     string(e.Domain),
		Clock:      e.Clock.String(),
		OriginNode: e.OriginNode,
		UpdatedAt:  e.UpdatedAt,
	}
}
