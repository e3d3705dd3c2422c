// Package executil provides helpers for running external commands safely.
package executil

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

var defaultSafeDirs = []string{
	"/usr/local/bin",
	"/usr/bin",
	"/bin",
	"/usr/sbin",
	"/sbin",
	"/opt/homebrew/bin",
}

// Command builds an exec.Cmd using a sanitized PATH and a resolved executable.
func Command(name string, args ...string) (*exec.Cmd, error) {
	path, env, err := resolveCommand(name)
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(path, args...)
	cmd.Env = env
	return cmd, nil
}

// CommandContext builds an exec.Cmd with context using a sanitized PATH and a
// resolved executable.
func CommandContext(ctx context.Context, name string, args ...string) (*exec.Cmd, error) {
	path, env, err := resolveCommand(name)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Env = env
	return cmd, nil
}

// Git builds a git command rooted at dir.
func Git(dir string, args ...string) (*exec.Cmd, error) {
	cmd, err := Command("git", args...)
	if err != nil {
		return nil, err
	}
	cmd.Dir = dir
	return cmd, nil
}

// GitContext builds a git command rooted at dir, bound to ctx.
func GitContext(ctx context.Context, dir string, args ...string) (*exec.Cmd, error) {
	cmd, err := CommandContext(ctx, "git", args...)
	if err != nil {
		return nil, err
	}
	cmd.Dir = dir
	return cmd, nil
}

func resolveCommand(name string) (string, []string, error) {
	safeDirs := safePathDirs()
	path, err := findExecutable(name, safeDirs)
	if err != nil {
		return "", nil, err
	}
	return path, safeEnv(safeDirs), nil
}

func safeEnv(dirs []string) []string {
	if len(dirs) == 0 {
		return os.Environ()
	}
	safePath := strings.Join(dirs, string(os.PathListSeparator))
	return replaceEnv(os.Environ(), "PATH", safePath)
}

func safePathDirs() []string {
	seen := make(map[string]struct{})
	dirs := make([]string, 0, len(defaultSafeDirs))

	addDir := func(dir string) {
		if dir == "" {
			return
		}
		dir = filepath.Clean(dir)
		if !filepath.IsAbs(dir) {
			return
		}
		if _, ok := seen[dir]; ok {
			return
		}
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			return
		}
		seen[dir] = struct{}{}
		dirs = append(dirs, dir)
	}

	for _, dir := range defaultSafeDirs {
		addDir(dir)
	}
	for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
		addDir(dir)
	}
	return dirs
}

func findExecutable(name string, dirs []string) (string, error) {
	if filepath.IsAbs(name) {
		return name, nil
	}
	if strings.ContainsRune(name, os.PathSeparator) {
		cleaned := filepath.Clean(name)
		if isExecutable(cleaned) {
			return cleaned, nil
		}
		return "", fmt.Errorf("executable not found: %s", name)
	}

	for _, dir := range dirs {
		candidate := filepath.Join(dir, name)
		if isExecutable(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("executable not found in safe PATH: %s", name)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode().Perm()&0o111 != 0
}

func replaceEnv(env []string, key, value string) []string {
	prefix := key + "="
	out := make([]string, 0, len(env)+1)
	for _, entry := range env {
		if strings.HasPrefix(entry, prefix) {
			continue
		}
		out = append(out, entry)
	}
	if value != "" {
		out = append(out, prefix+value)
	}
	return out
}
