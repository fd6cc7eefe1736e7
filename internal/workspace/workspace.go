// Package workspace resolves session workspaces and lists or reads their
// contents, whether they live in a local directory or inside a sandbox.
package workspace

import (
	"context"
	"errors"
	"path"
	"sort"
	"strings"
)

var (
	// ErrPathTraversal is returned for paths that would escape the workspace root.
	ErrPathTraversal = errors.New("path traversal not allowed")

	// ErrFileNotFound is returned when the requested file does not exist or
	// cannot be read.
	ErrFileNotFound = errors.New("file not found")

	// ErrNoWorkspace is returned when a session has no resolvable workspace.
	ErrNoWorkspace = errors.New("session has no workspace")
)

// ExcludedDirs are never descended into when building a tree. Hidden
// directories are excluded as well.
var ExcludedDirs = []string{
	".git", "node_modules", "__pycache__", ".next",
	".venv", "venv", ".mypy_cache", ".pytest_cache",
	"dist", "build", ".tox", ".eggs",
}

// NodeType is the kind of a tree entry.
type NodeType string

const (
	NodeFolder NodeType = "folder"
	NodeFile   NodeType = "file"
)

// Node is one entry of a workspace tree. Path is "/"-prefixed and relative to
// the workspace root.
type Node struct {
	Name     string   `json:"name"`
	Type     NodeType `json:"type"`
	Path     string   `json:"path"`
	Children []Node   `json:"children,omitempty"`
}

// Backend is the read/list capability shared by both workspace kinds.
type Backend interface {
	// ReadFile returns the content of a file addressed relative to the root.
	ReadFile(ctx context.Context, rel string) (string, error)

	// Tree lists the workspace recursively, skipping excluded directories.
	Tree(ctx context.Context) ([]Node, error)
}

func excluded(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	for _, d := range ExcludedDirs {
		if d == name {
			return true
		}
	}
	return false
}

// cleanRel validates a client-supplied path and returns it relative to the
// root in slash form. Any ".." segment is rejected outright.
func cleanRel(rel string) (string, error) {
	rel = strings.ReplaceAll(rel, "\\", "/")
	for _, seg := range strings.Split(rel, "/") {
		if seg == ".." {
			return "", ErrPathTraversal
		}
	}
	clean := strings.TrimPrefix(path.Clean("/"+rel), "/")
	if clean == "" {
		return "", ErrFileNotFound
	}
	return clean, nil
}

func sortNodes(nodes []Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	for i := range nodes {
		if len(nodes[i].Children) > 0 {
			sortNodes(nodes[i].Children)
		}
	}
}
