package workspace

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func sampleWorkspace(t *testing.T) string {
	root := t.TempDir()
	writeFile(t, root, "main.py", "print('hi')")
	writeFile(t, root, "src/app.py", "app")
	writeFile(t, root, "src/lib/util.py", "util")
	writeFile(t, root, ".env", "SECRET=1")
	writeFile(t, root, ".git/HEAD", "ref")
	writeFile(t, root, "node_modules/x/index.js", "x")
	writeFile(t, root, "build/out.bin", "b")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))
	return root
}

// fakeExec answers the find and cat commands a sandbox backend issues,
// serving them from a local directory.
type fakeExec struct {
	root     string
	mount    string
	findOut  string
	lastArgv []string
}

func (f *fakeExec) ExecCommand(_ context.Context, _ string, argv []string) (int, string, error) {
	f.lastArgv = argv
	switch argv[0] {
	case "find":
		return 0, f.findOut, nil
	case "cat":
		rel := strings.TrimPrefix(argv[2], f.mount)
		data, err := os.ReadFile(filepath.Join(f.root, filepath.FromSlash(rel)))
		if err != nil {
			return 1, "cat: no such file", nil
		}
		return 0, string(data), nil
	}
	return 127, "", nil
}

func TestLocalTree(t *testing.T) {
	root := sampleWorkspace(t)

	tree, err := Local{Root: root}.Tree(context.Background())
	require.NoError(t, err)

	want := []Node{
		{Name: ".env", Type: NodeFile, Path: "/.env"},
		{Name: "empty", Type: NodeFolder, Path: "/empty", Children: []Node{}},
		{Name: "main.py", Type: NodeFile, Path: "/main.py"},
		{Name: "src", Type: NodeFolder, Path: "/src", Children: []Node{
			{Name: "app.py", Type: NodeFile, Path: "/src/app.py"},
			{Name: "lib", Type: NodeFolder, Path: "/src/lib", Children: []Node{
				{Name: "util.py", Type: NodeFile, Path: "/src/lib/util.py"},
			}},
		}},
	}
	assert.Equal(t, want, tree)
}

func TestLocalTreeMissingRoot(t *testing.T) {
	tree, err := Local{Root: filepath.Join(t.TempDir(), "gone")}.Tree(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tree)
}

func TestSandboxTreeMatchesLocal(t *testing.T) {
	root := sampleWorkspace(t)
	local, err := Local{Root: root}.Tree(context.Background())
	require.NoError(t, err)

	exec := &fakeExec{
		root:  root,
		mount: "/workspace",
		findOut: strings.Join([]string{
			"f\tmain.py",
			"d\tsrc",
			"f\tsrc/app.py",
			"d\tsrc/lib",
			"f\tsrc/lib/util.py",
			"f\t.env",
			"d\tempty",
			"",
		}, "\n"),
	}
	sb := Sandbox{SessionID: "s1", Root: "/workspace", Exec: exec}
	remote, err := sb.Tree(context.Background())
	require.NoError(t, err)

	assert.Equal(t, local, remote)
	assert.Equal(t, "find", exec.lastArgv[0])
	assert.Equal(t, "/workspace", exec.lastArgv[1])
	assert.Contains(t, exec.lastArgv, "node_modules")
	assert.Contains(t, exec.lastArgv, "-prune")
}

func TestParseFindOutputInfersParents(t *testing.T) {
	nodes := parseFindOutput("f\ta/b/c.txt\n")
	require.Len(t, nodes, 1)
	assert.Equal(t, NodeFolder, nodes[0].Type)
	assert.Equal(t, "/a/b/c.txt", nodes[0].Children[0].Children[0].Path)
}

func TestReadFile(t *testing.T) {
	root := sampleWorkspace(t)
	ctx := context.Background()
	backends := map[string]Backend{
		"local":   Local{Root: root},
		"sandbox": Sandbox{SessionID: "s1", Root: "/workspace", Exec: &fakeExec{root: root, mount: "/workspace"}},
	}

	for name, b := range backends {
		t.Run(name, func(t *testing.T) {
			got, err := b.ReadFile(ctx, "/src/app.py")
			require.NoError(t, err)
			assert.Equal(t, "app", got)

			got, err = b.ReadFile(ctx, "main.py")
			require.NoError(t, err)
			assert.Equal(t, "print('hi')", got)

			_, err = b.ReadFile(ctx, "missing.txt")
			assert.ErrorIs(t, err, ErrFileNotFound)
		})
	}
}

func TestReadFileRejectsTraversal(t *testing.T) {
	root := sampleWorkspace(t)
	ctx := context.Background()
	backends := map[string]Backend{
		"local":   Local{Root: root},
		"sandbox": Sandbox{SessionID: "s1", Root: "/workspace", Exec: &fakeExec{root: root, mount: "/workspace"}},
	}
	paths := []string{
		"../etc/passwd",
		"/../../etc/passwd",
		"src/../../secret",
		"src/lib/../../../x",
		`..\windows`,
		"..",
	}

	for name, b := range backends {
		for _, p := range paths {
			_, err := b.ReadFile(ctx, p)
			assert.ErrorIs(t, err, ErrPathTraversal, "%s: %q", name, p)
		}
	}
}

func TestLocalReadFileRejectsSymlinkEscape(t *testing.T) {
	outside := t.TempDir()
	writeFile(t, outside, "secret.txt", "nope")
	root := t.TempDir()
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(root, "link.txt")))

	_, err := Local{Root: root}.ReadFile(context.Background(), "link.txt")
	assert.ErrorIs(t, err, ErrPathTraversal)
}

type fakeSessions map[string]struct {
	owner   string
	backend Backend
}

func (f fakeSessions) SessionWorkspace(id string) (string, Backend, bool) {
	s, ok := f[id]
	return s.owner, s.backend, ok
}

func TestResolver(t *testing.T) {
	base := t.TempDir()
	live := Sandbox{SessionID: "live", Root: "/workspace"}
	sessions := fakeSessions{"live": {owner: "u1", backend: live}}
	r := NewResolver(sessions, base)

	b, err := r.Resolve("live", "u1")
	require.NoError(t, err)
	assert.Equal(t, live, b)

	_, err = r.Resolve("live", "u2")
	assert.ErrorIs(t, err, ErrNoWorkspace)

	// Torn-down session falls back to the on-disk convention.
	require.NoError(t, os.MkdirAll(Dir(base, "u1", "closed"), 0o755))
	b, err = r.Resolve("closed", "u1")
	require.NoError(t, err)
	assert.Equal(t, Local{Root: Dir(base, "u1", "closed")}, b)

	_, err = r.Resolve("unknown", "u1")
	assert.ErrorIs(t, err, ErrNoWorkspace)

	_, err = r.Resolve("..", "u1")
	assert.ErrorIs(t, err, ErrPathTraversal)
}
