package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Local is a workspace backed by a directory on this host.
type Local struct {
	Root string
}

// ReadFile reads rel from the local root. The resolved path, symlinks
// included, must stay under the root.
func (l Local) ReadFile(_ context.Context, rel string) (string, error) {
	clean, err := cleanRel(rel)
	if err != nil {
		return "", err
	}

	root, err := filepath.EvalSymlinks(l.Root)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNoWorkspace, l.Root)
	}
	full, err := filepath.EvalSymlinks(filepath.Join(root, filepath.FromSlash(clean)))
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrFileNotFound, rel)
	}
	if !within(root, full) {
		return "", ErrPathTraversal
	}

	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrFileNotFound, rel)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", rel, err)
	}
	return strings.ToValidUTF8(string(data), "�"), nil
}

// Tree walks the local root.
func (l Local) Tree(_ context.Context) ([]Node, error) {
	if _, err := os.Stat(l.Root); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Node{}, nil
		}
		return nil, fmt.Errorf("stat workspace: %w", err)
	}
	return walkDir(l.Root, ""), nil
}

func walkDir(dir, rel string) []Node {
	entries, err := os.ReadDir(dir)
	if err != nil {
		slog.Debug("Skipping unreadable directory", "dir", dir, "error", err)
		return []Node{}
	}

	nodes := make([]Node, 0, len(entries))
	for _, e := range entries {
		p := rel + "/" + e.Name()
		if e.IsDir() {
			if excluded(e.Name()) {
				continue
			}
			nodes = append(nodes, Node{
				Name:     e.Name(),
				Type:     NodeFolder,
				Path:     p,
				Children: walkDir(filepath.Join(dir, e.Name()), p),
			})
			continue
		}
		nodes = append(nodes, Node{Name: e.Name(), Type: NodeFile, Path: p})
	}
	sortNodes(nodes)
	return nodes
}

func within(root, p string) bool {
	r, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return r != ".." && !strings.HasPrefix(r, ".."+string(filepath.Separator))
}
