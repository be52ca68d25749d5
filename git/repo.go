// Package git wraps the git CLI with the narrow set of operations the
// deploy loop needs. Every operation takes a context; callers are
// expected to bound it. Only Push publishes anything upstream, and
// only the push gate calls it.
package git

import (
	"context"
)

// Repo is an existing local working tree tracking one remote branch.
type Repo struct {
	// Dir is the path of the working tree on this host.
	Dir string
	// Remote is the name of the upstream remote, usually "origin".
	Remote string
	// Branch is the deployable branch this host tracks.
	Branch string
}

// SourceControl is what the deploy pipeline needs from a working
// tree. *Repo implements it; tests substitute fakes.
type SourceControl interface {
	Fetch(ctx context.Context) error
	ResetHard(ctx context.Context, rev string) error
	Resolve(ctx context.Context, ref string) (string, error)
	TreeID(ctx context.Context, rev string) (string, error)
	HeadRevision(ctx context.Context) (string, error)
	RemoteTarget(ctx context.Context) (string, error)
	PushURLs(ctx context.Context) ([]string, error)
}

// Fetch updates refs from the remote. It never alters the working tree.
func (r *Repo) Fetch(ctx context.Context) error {
	return fetch(ctx, r.Dir, r.Remote, r.Branch)
}

// ResetHard moves the working tree to rev, discarding local changes.
func (r *Repo) ResetHard(ctx context.Context, rev string) error {
	return resetHard(ctx, r.Dir, rev)
}

// Resolve returns the commit hash for any ref.
func (r *Repo) Resolve(ctx context.Context, ref string) (string, error) {
	return refRevision(ctx, r.Dir, ref)
}

// TreeID returns the content identity of a revision's tree.
func (r *Repo) TreeID(ctx context.Context, rev string) (string, error) {
	return treeID(ctx, r.Dir, rev)
}

// HeadRevision returns the commit currently checked out.
func (r *Repo) HeadRevision(ctx context.Context) (string, error) {
	return refRevision(ctx, r.Dir, "HEAD")
}

// RemoteTarget resolves the fetched tip of the deployable branch.
func (r *Repo) RemoteTarget(ctx context.Context) (string, error) {
	return refRevision(ctx, r.Dir, r.Remote+"/"+r.Branch)
}

// PushURLs lists the push URLs of all configured remotes, for the
// executor's preflight guard.
func (r *Repo) PushURLs(ctx context.Context) ([]string, error) {
	return remotePushURLs(ctx, r.Dir)
}

// Push publishes refs to the remote. Nothing in the deploy or
// rollback path calls this; it exists for the push gate alone.
func (r *Repo) Push(ctx context.Context, refs []string) error {
	return push(ctx, r.Dir, r.Remote, refs)
}
