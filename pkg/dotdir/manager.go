// Package dotdir resolves the .chatwire/ directory that holds config.toml
// and conversation.json.
package dotdir

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	dirName = ".chatwire"

	// EnvDir names a directory to use when no override is given.
	EnvDir = "CHATWIRE_DIR"
)

type Manager struct{}

func NewManager() *Manager {
	return &Manager{}
}

// Target returns the absolute path of the .chatwire/ directory to use,
// creating it when missing. The first of these wins:
//  1. overrideDir (the --config-dir flag)
//  2. $CHATWIRE_DIR
//  3. ./.chatwire, if it exists
//  4. ~/.chatwire
func (m *Manager) Target(overrideDir string) (string, error) {
	dir, err := resolve(overrideDir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating chatwire directory %s: %w", dir, err)
	}
	return filepath.Abs(dir)
}

func resolve(overrideDir string) (string, error) {
	if overrideDir != "" {
		return overrideDir, nil
	}
	if env := os.Getenv(EnvDir); env != "" {
		return env, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting current directory: %w", err)
	}
	if info, err := os.Stat(filepath.Join(cwd, dirName)); err == nil && info.IsDir() {
		return filepath.Join(cwd, dirName), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, dirName), nil
}
