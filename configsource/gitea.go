package configsource

import (
	"context"
	"fmt"

	"code.gitea.io/sdk/gitea"
)

// GiteaSource is a Source backed by a Gitea instance, calling the
// tree/file/branch endpoints the scheduler needs instead of
// downloading a full archive.
type GiteaSource struct {
	client *gitea.Client
	owner  string
	repo   string
}

// NewGiteaSource creates a GiteaSource. An empty token is accepted:
// Gitea permits anonymous reads of public repositories subject to its
// own rate limits.
func NewGiteaSource(url, token, owner, repo string) (*GiteaSource, error) {
	opts := []gitea.ClientOption{}
	if token != "" {
		opts = append(opts, gitea.SetToken(token))
	}
	client, err := gitea.NewClient(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating gitea client: %w", err)
	}
	return &GiteaSource{client: client, owner: owner, repo: repo}, nil
}

func (s *GiteaSource) ListTree(ctx context.Context, ref string) ([]TreeEntry, error) {
	tree, _, err := s.client.GetTrees(s.owner, s.repo, gitea.ListTreeOptions{Ref: ref, Recursive: true})
	if err != nil {
		return nil, fmt.Errorf("listing tree at %s: %w", ref, err)
	}

	entries := make([]TreeEntry, 0, len(tree.Entries))
	for _, e := range tree.Entries {
		if e.Type != "blob" {
			continue
		}
		entries = append(entries, TreeEntry{Path: e.Path, Size: e.Size})
	}
	return entries, nil
}

func (s *GiteaSource) GetFile(ctx context.Context, ref, path string) ([]byte, error) {
	data, _, err := s.client.GetFile(s.owner, s.repo, ref, path)
	if err != nil {
		return nil, fmt.Errorf("fetching %s at %s: %w", path, ref, err)
	}
	return data, nil
}

func (s *GiteaSource) LatestCommit(ctx context.Context, branch string) (string, error) {
	b, _, err := s.client.GetRepoBranch(s.owner, s.repo, branch)
	if err != nil {
		return "", fmt.Errorf("fetching branch %s: %w", branch, err)
	}
	if b.Commit == nil {
		return "", fmt.Errorf("branch %s has no commit information", branch)
	}
	return b.Commit.ID, nil
}
