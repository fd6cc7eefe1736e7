package workspace

import (
	"context"
	"fmt"
	"path"
	"strings"
)

// Executor runs a command inside a session's sandbox.
type Executor interface {
	ExecCommand(ctx context.Context, sessionID string, argv []string) (int, string, error)
}

// Sandbox is a workspace mounted at Root inside a session's container.
type Sandbox struct {
	SessionID string
	Root      string
	Exec      Executor
}

// ReadFile cats rel inside the sandbox.
func (s Sandbox) ReadFile(ctx context.Context, rel string) (string, error) {
	clean, err := cleanRel(rel)
	if err != nil {
		return "", err
	}
	full := path.Join(s.Root, clean)
	if full != s.Root && !strings.HasPrefix(full, strings.TrimSuffix(s.Root, "/")+"/") {
		return "", ErrPathTraversal
	}

	code, out, err := s.Exec.ExecCommand(ctx, s.SessionID, []string{"cat", "--", full})
	if err != nil {
		return "", fmt.Errorf("read %s in sandbox: %w", rel, err)
	}
	if code != 0 {
		return "", fmt.Errorf("%w: %s", ErrFileNotFound, rel)
	}
	return out, nil
}

// Tree runs a single find inside the sandbox and parses its output.
func (s Sandbox) Tree(ctx context.Context) ([]Node, error) {
	code, out, err := s.Exec.ExecCommand(ctx, s.SessionID, findArgs(s.Root))
	if err != nil {
		return nil, fmt.Errorf("list sandbox workspace: %w", err)
	}
	if code != 0 {
		return []Node{}, nil
	}
	return parseFindOutput(out), nil
}

// findArgs prunes excluded and hidden directories and prints one
// "<type>\t<relative path>" line per remaining entry.
func findArgs(root string) []string {
	args := []string{"find", root, "-mindepth", "1", "(", "-type", "d", "("}
	for _, d := range ExcludedDirs {
		args = append(args, "-name", d, "-o")
	}
	args = append(args, "-name", ".*", ")", ")", "-prune", "-o", "-printf", `%y\t%P\n`)
	return args
}

type treeBuilder struct {
	node  Node
	index map[string]*treeBuilder
	order []string
}

func newTreeBuilder(n Node) *treeBuilder {
	return &treeBuilder{node: n, index: make(map[string]*treeBuilder)}
}

func (b *treeBuilder) child(name string, typ NodeType, p string) *treeBuilder {
	if c, ok := b.index[name]; ok {
		if typ == NodeFolder {
			c.node.Type = NodeFolder
		}
		return c
	}
	c := newTreeBuilder(Node{Name: name, Type: typ, Path: p})
	b.index[name] = c
	b.order = append(b.order, name)
	return c
}

func (b *treeBuilder) build() []Node {
	nodes := make([]Node, 0, len(b.order))
	for _, name := range b.order {
		c := b.index[name]
		n := c.node
		if n.Type == NodeFolder {
			n.Children = c.build()
		}
		nodes = append(nodes, n)
	}
	return nodes
}

func parseFindOutput(out string) []Node {
	root := newTreeBuilder(Node{})
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		kind, rel, ok := strings.Cut(line, "\t")
		if !ok || rel == "" {
			continue
		}
		typ := NodeFile
		if kind == "d" {
			typ = NodeFolder
		}

		parts := strings.Split(rel, "/")
		cur := root
		for i, part := range parts {
			t := NodeFolder
			if i == len(parts)-1 {
				t = typ
			}
			cur = cur.child(part, t, "/"+strings.Join(parts[:i+1], "/"))
		}
	}
	nodes := root.build()
	sortNodes(nodes)
	return nodes
}
