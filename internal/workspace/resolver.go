package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Sessions looks up the workspace a live session recorded at creation.
type Sessions interface {
	SessionWorkspace(sessionID string) (ownerID string, backend Backend, ok bool)
}

// Resolver maps a session to its workspace backend.
type Resolver struct {
	sessions Sessions
	basePath string
}

// NewResolver creates a resolver that prefers live sessions and falls back to
// basePath/<user>/<session> on disk.
func NewResolver(sessions Sessions, basePath string) *Resolver {
	return &Resolver{sessions: sessions, basePath: basePath}
}

// Dir returns the conventional on-disk workspace directory for a session.
func Dir(basePath, userID, sessionID string) string {
	return filepath.Join(basePath, userID, sessionID)
}

// Resolve returns the backend for sessionID owned by userID.
func (r *Resolver) Resolve(sessionID, userID string) (Backend, error) {
	if r.sessions != nil {
		if owner, b, ok := r.sessions.SessionWorkspace(sessionID); ok {
			if owner != userID {
				return nil, fmt.Errorf("%w: %s", ErrNoWorkspace, sessionID)
			}
			return b, nil
		}
	}

	if !SafeSegment(userID) || !SafeSegment(sessionID) {
		return nil, ErrPathTraversal
	}
	dir := Dir(r.basePath, userID, sessionID)
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoWorkspace, sessionID)
		}
		return nil, fmt.Errorf("stat workspace %s: %w", sessionID, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNoWorkspace, sessionID)
	}
	return Local{Root: dir}, nil
}

// SafeSegment reports whether s can be used as a single path element under
// the workspace base.
func SafeSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}
