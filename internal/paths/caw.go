// Package paths provides path resolution utilities.
package paths

import (
	"os"
	"path/filepath"
	"strings"
)

// ResolveCAWDir resolves the .caw directory path from user input. It
// normalizes the input (accepting either a project dir or a .caw dir
// directly), appends .caw if needed, and follows redirect files for git
// worktrees — worktrees created by this module's own VCS collaborator need
// to see the same .caw directory as their origin checkout, the same trick
// perles applies to .beads.
//
// Input normalization:
//   - "/path/to/project" -> "/path/to/project/.caw"
//   - "/path/to/project/.caw" -> "/path/to/project/.caw"
//   - "/path/to/caw-data" (containing workflows.db) -> "/path/to/caw-data"
//   - "" -> ".caw"
//
// Redirect handling:
//   - If .caw/redirect exists, follows it to the actual .caw location
//   - This supports git worktrees where .caw contains a redirect to the
//     main worktree's .caw directory, so every worktree's agent sees the
//     same embedded store.
func ResolveCAWDir(path string) string {
	if path == "" {
		path = "."
	}
	path = filepath.Clean(path)

	if filepath.Base(path) == ".caw" {
		return followRedirect(path)
	}

	dbPath := filepath.Join(path, "workflows.db")
	if _, err := os.Stat(dbPath); err == nil {
		return followRedirect(path)
	}

	cawDir := filepath.Join(path, ".caw")
	return followRedirect(cawDir)
}

// followRedirect checks for a redirect file and follows it if present.
func followRedirect(cawDir string) string {
	redirectPath := filepath.Join(cawDir, "redirect")

	content, err := os.ReadFile(redirectPath) //nolint:gosec // redirect path is within .caw dir
	if err != nil {
		return cawDir
	}

	redirectTarget := strings.TrimSpace(string(content))
	if redirectTarget == "" {
		return cawDir
	}

	resolvedPath := filepath.Join(cawDir, redirectTarget)
	return filepath.Clean(resolvedPath)
}
