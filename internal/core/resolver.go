package core

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/qbitmanage/qbm-recovery/internal/config"
	"github.com/qbitmanage/qbm-recovery/internal/model"
)

// Resolve computes the recycle bins to recover from. It returns nil when the
// recycle bin is disabled.
//
// With split_by_category every category keeps its own recycle bin, named like
// the global one, directly under the category's save path. Categories are
// returned in configuration order.
func Resolve(cfg *config.Config) []model.RecoveryScope {
	if cfg == nil || !cfg.Enabled() {
		return nil
	}

	dir := cfg.Directory
	base := model.RecoveryScope{
		ContentRoot: dir.ContentRoot(),
		TorrentsDir: dir.TorrentsDir,
	}

	if !cfg.RecycleBin.SplitByCategory {
		s := base
		s.RecyclePath = dir.RecycleBin
		return []model.RecoveryScope{s}
	}

	binName := filepath.Base(strings.TrimRight(dir.RecycleBin, string(os.PathSeparator)))
	scopes := make([]model.RecoveryScope, 0, len(cfg.Cat))
	for _, cat := range cfg.Cat {
		s := base
		s.Category = cat.Name
		s.RecyclePath = filepath.Join(remotePath(cat.Path, dir.RootDir, dir.RemoteDir), binName)
		scopes = append(scopes, s)
	}
	return scopes
}

// remotePath rewrites a path seen by qBittorrent (under rootDir) to the same
// location seen by this process (under remoteDir).
func remotePath(p, rootDir, remoteDir string) string {
	if rootDir == "" || remoteDir == "" {
		return p
	}
	root := filepath.Clean(rootDir)
	clean := filepath.Clean(p)
	if clean == root {
		return filepath.Clean(remoteDir)
	}
	if rel, ok := strings.CutPrefix(clean, root+string(os.PathSeparator)); ok {
		return filepath.Join(remoteDir, rel)
	}
	return p
}
