// Package configsource abstracts the remote, version-controlled
// repository the scheduler discovers blueprints from: a recursive tree
// listing, raw file fetch, and latest-commit lookup, backed by either
// a Gitea or a GitLab instance.
package configsource

import "context"

// TreeEntry is one file found during a recursive tree listing.
type TreeEntry struct {
	Path string
	Size int64
}

// Source is the remote configuration source interface the scheduler
// depends on. Implementations authenticate with a bearer token;
// anonymous operation is supported subject to the forge's own rate
// limits.
type Source interface {
	// ListTree recursively lists every file in the repository at ref.
	ListTree(ctx context.Context, ref string) ([]TreeEntry, error)

	// GetFile fetches the raw bytes of path at ref.
	GetFile(ctx context.Context, ref, path string) ([]byte, error)

	// LatestCommit returns the current commit id of branch.
	LatestCommit(ctx context.Context, branch string) (string, error)
}
