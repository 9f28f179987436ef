package prompts

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// treeIgnore lists directory and file name fragments that are noise in
// a project overview.
var treeIgnore = []string{
	".git",
	"node_modules",
	"__pycache__",
	".venv",
	"venv",
	"dist",
	"build",
	".pytest_cache",
	".mypy_cache",
	".DS_Store",
	".egg-info",
	"vendor",
}

// DefaultTreeDepth bounds how deep the workspace tree context goes.
const DefaultTreeDepth = 3

// WorkspaceTree renders a directory tree of the workspace for
// inclusion in the system prompt, so the model knows the project
// layout without having to list directories first. Hidden entries and
// common build artifacts are skipped.
func WorkspaceTree(root string, maxDepth int) string {
	if root == "" {
		return ""
	}
	if maxDepth <= 0 {
		maxDepth = DefaultTreeDepth
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Project structure (%s):\n", root)
	writeTree(&sb, root, "", 0, maxDepth)
	return strings.TrimRight(sb.String(), "\n")
}

func writeTree(sb *strings.Builder, dir, prefix string, depth, maxDepth int) {
	if depth >= maxDepth {
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	var kept []os.DirEntry
	for _, e := range entries {
		if treeSkip(e.Name()) {
			continue
		}
		kept = append(kept, e)
	}

	// Directories first, then files, each alphabetical.
	sort.Slice(kept, func(i, j int) bool {
		if kept[i].IsDir() != kept[j].IsDir() {
			return kept[i].IsDir()
		}
		return strings.ToLower(kept[i].Name()) < strings.ToLower(kept[j].Name())
	})

	for i, e := range kept {
		last := i == len(kept)-1
		connector := "├── "
		childPrefix := prefix + "│   "
		if last {
			connector = "└── "
			childPrefix = prefix + "    "
		}

		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		sb.WriteString(prefix + connector + name + "\n")

		if e.IsDir() {
			writeTree(sb, filepath.Join(dir, e.Name()), childPrefix, depth+1, maxDepth)
		}
	}
}

func treeSkip(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	for _, pattern := range treeIgnore {
		if strings.Contains(name, pattern) {
			return true
		}
	}
	return false
}
