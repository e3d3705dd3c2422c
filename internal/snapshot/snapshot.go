// Package snapshot captures cheap structural fingerprints of a worktree
// for before/after change reporting.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/calldwell/overseer/internal/executil"
)

// Walk limits keep capture cost predictable on large trees.
const (
	maxDepth = 12
	maxFiles = 50000
)

var skipDirs = map[string]struct{}{
	".git":         {},
	"node_modules": {},
	"vendor":       {},
	"target":       {},
	".venv":        {},
}

type fileStat struct {
	Size    int64
	ModTime int64
}

// Snapshot is a read-only structural scan of a directory tree at a moment
// in time. It records per-file size and mtime, not contents.
type Snapshot struct {
	Fingerprint string
	Ref         string // VCS head at capture time, may be empty
	files       map[string]fileStat
}

// Summary describes what changed between two snapshots.
type Summary struct {
	Added     int    `json:"added"`
	Modified  int    `json:"modified"`
	Deleted   int    `json:"deleted"`
	RefBefore string `json:"ref_before,omitempty"`
	RefAfter  string `json:"ref_after,omitempty"`
}

// RefChanged reports whether the VCS head moved between captures.
func (s Summary) RefChanged() bool {
	return s.RefBefore != s.RefAfter
}

// Capture scans the tree rooted at path. The walk is bounded by depth and
// file count; trees past the bound yield a truncated but still comparable
// snapshot. The git ref lookup is best effort.
func Capture(ctx context.Context, path string) (*Snapshot, error) {
	files := make(map[string]fileStat)

	root := filepath.Clean(path)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return nil
		}
		if d.IsDir() {
			if _, skip := skipDirs[d.Name()]; skip {
				return filepath.SkipDir
			}
			if strings.Count(rel, string(filepath.Separator)) >= maxDepth {
				return filepath.SkipDir
			}
			return nil
		}
		if len(files) >= maxFiles {
			return filepath.SkipAll
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}
		files[rel] = fileStat{Size: info.Size(), ModTime: info.ModTime().UnixNano()}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", path, err)
	}

	return &Snapshot{
		Fingerprint: fingerprint(files),
		Ref:         headRef(ctx, root),
		files:       files,
	}, nil
}

// Diff compares two snapshots of the same tree.
func Diff(before, after *Snapshot) Summary {
	sum := Summary{RefBefore: before.Ref, RefAfter: after.Ref}

	for path, b := range before.files {
		a, ok := after.files[path]
		if !ok {
			sum.Deleted++
			continue
		}
		if a != b {
			sum.Modified++
		}
	}
	for path := range after.files {
		if _, ok := before.files[path]; !ok {
			sum.Added++
		}
	}
	return sum
}

func fingerprint(files map[string]fileStat) string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, p := range paths {
		st := files[p]
		fmt.Fprintf(h, "%s\x00%d\x00%d\n", p, st.Size, st.ModTime)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func headRef(ctx context.Context, dir string) string {
	cmd, err := executil.GitContext(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return ""
	}
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
