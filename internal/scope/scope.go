// Package scope derives the stable identifier of a memory workspace.
//
// A workspace is identified by a hash of its canonical root path, computed
// once on first initialization and persisted to scope.yaml. Later loads read
// the persisted id back verbatim, so moving or renaming the directory never
// changes it. A user-supplied id bypasses hashing entirely, which is how two
// workspaces deliberately share memory.
package scope

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/rcliao/memory-mesh/internal/model"
)

// FileName is the scope file created inside a workspace's state directory.
const FileName = "scope.yaml"

// autoID asks for the id to be derived from the root path.
const autoID = "auto"

// Scope identifies a logical workspace.
type Scope struct {
	ID          string       `json:"scope_id"`
	DisplayName string       `json:"display_name,omitempty"`
	Domain      model.Domain `json:"domain"`
}

// File is the persisted form of a scope.
type File struct {
	ScopeID     string `yaml:"scope_id"`
	DisplayName string `yaml:"display_name,omitempty"`
	Domain      string `yaml:"domain,omitempty"`
	RootPath    string `yaml:"root_path,omitempty"`
}

// Custom returns a scope with a caller-chosen id.
func Custom(id, displayName string, domain model.Domain) Scope {
	if domain == "" {
		domain = model.DomainPublic
	}
	return Scope{ID: id, DisplayName: displayName, Domain: domain}
}

// FromConfig loads the scope file at path. If it carries a usable scope_id
// that id is returned as-is. Otherwise the id is computed from the root path
// (root_path, or the directory holding the scope file's directory) and
// written back before returning. A missing file is created.
func FromConfig(path string) (Scope, error) {
	f, err := readFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Scope{}, err
	}

	domain, err := model.ParseDomain(f.Domain)
	if err != nil {
		return Scope{}, fmt.Errorf("scope file %s: %w", path, err)
	}

	id := strings.TrimSpace(f.ScopeID)
	if id != "" && id != autoID {
		return Scope{ID: id, DisplayName: f.DisplayName, Domain: domain}, nil
	}

	root := f.RootPath
	if root == "" {
		root = filepath.Dir(filepath.Dir(path))
	}
	f.ScopeID = HashPath(Canonicalize(root))
	f.Domain = string(domain)
	if err := writeFile(path, f); err != nil {
		return Scope{}, err
	}
	log.Debug().Str("scope_id", f.ScopeID).Str("root", root).Msg("initialized workspace scope")

	return Scope{ID: f.ScopeID, DisplayName: f.DisplayName, Domain: domain}, nil
}

// Save persists s to path, replacing any previous id.
func Save(path string, s Scope) error {
	f, err := readFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	f.ScopeID = s.ID
	f.DisplayName = s.DisplayName
	f.Domain = string(s.Domain)
	return writeFile(path, f)
}

// Canonicalize resolves path to an absolute, symlink-free form. If that is
// not possible (for example the path does not exist) it returns the cleaned
// input instead of failing.
func Canonicalize(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return filepath.Clean(path)
	}
	return resolved
}

// HashPath renders a 64-bit xxhash of path as 16 hex characters.
func HashPath(path string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(path))
}

func readFile(path string) (File, error) {
	var f File
	b, err := os.ReadFile(path)
	if err != nil {
		return f, err
	}
	if err := yaml.Unmarshal(b, &f); err != nil {
		return f, fmt.Errorf("parse scope file %s: %w", path, err)
	}
	return f, nil
}

func writeFile(path string, f File) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create scope dir: %w", err)
	}
	b, err := yaml.Marshal(f)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
