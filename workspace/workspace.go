// Package workspace is a narrow collaborator consulted only for two
// things: resolving a session's default working directory, and bumping a
// workspace's last-active-at bookkeeping when a session touches it.
package workspace

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/sticky-tools/sticky-kerneld/errs"
	"github.com/sticky-tools/sticky-kerneld/store"
)

// Resolver resolves default working directories under a configured root
// and records workspace activity.
type Resolver struct {
	st   store.Store
	root string
}

// New creates a Resolver rooted at root (config's WorkspacesRoot).
func New(st store.Store, root string) *Resolver {
	return &Resolver{st: st, root: root}
}

// Resolve returns the absolute cwd for a session request: root itself when
// requested is empty, otherwise requested (joined to root if relative). A
// path that lies outside root is rejected with BadArgs.
func (r *Resolver) Resolve(requested string) (string, error) {
	if requested == "" {
		return r.root, nil
	}
	abs := requested
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(r.root, abs)
	}
	abs = filepath.Clean(abs)
	rel, err := filepath.Rel(r.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errs.New(errs.BadArgs, "workspace: %q escapes workspaces root", requested)
	}
	return abs, nil
}

// Touch records cwd as recently active.
func (r *Resolver) Touch(ctx context.Context, cwd string) error {
	if err := r.st.TouchWorkspace(ctx, cwd); err != nil {
		return errs.Wrap(errs.StorageError, err, "workspace: touch")
	}
	return nil
}

// Get returns the persisted Workspace record for path, if one exists.
func (r *Resolver) Get(ctx context.Context, path string) (*store.Workspace, error) {
	w, err := r.st.GetWorkspace(ctx, path)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, errs.New(errs.SessionNotFound, "workspace: %q", path)
		}
		return nil, errs.Wrap(errs.StorageError, err, "workspace: get")
	}
	return w, nil
}
