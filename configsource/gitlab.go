package configsource

import (
	"context"
	"fmt"

	gitlab "gitlab.com/gitlab-org/api/client-go"
)

// GitLabSource is an alternate Source backend for teams whose
// blueprint tree lives in GitLab instead of Gitea.
type GitLabSource struct {
	client    *gitlab.Client
	projectID string
}

func NewGitLabSource(url, token, projectID string) (*GitLabSource, error) {
	client, err := gitlab.NewClient(token, gitlab.WithBaseURL(url+"/api/v4"))
	if err != nil {
		return nil, fmt.Errorf("creating gitlab client: %w", err)
	}
	return &GitLabSource{client: client, projectID: projectID}, nil
}

func (s *GitLabSource) ListTree(ctx context.Context, ref string) ([]TreeEntry, error) {
	recursive := true
	var entries []TreeEntry
	page := 1
	for {
		nodes, resp, err := s.client.Repositories.ListTree(s.projectID, &gitlab.ListTreeOptions{
			Ref:       &ref,
			Recursive: &recursive,
			ListOptions: gitlab.ListOptions{
				Page:    page,
				PerPage: 100,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("listing tree at %s: %w", ref, err)
		}
		for _, n := range nodes {
			if n.Type != "blob" {
				continue
			}
			entries = append(entries, TreeEntry{Path: n.Path})
		}
		if resp.NextPage == 0 {
			break
		}
		page = resp.NextPage
	}
	return entries, nil
}

func (s *GitLabSource) GetFile(ctx context.Context, ref, path string) ([]byte, error) {
	data, _, err := s.client.RepositoryFiles.GetRawFile(s.projectID, path, &gitlab.GetRawFileOptions{Ref: &ref})
	if err != nil {
		return nil, fmt.Errorf("fetching %s at %s: %w", path, ref, err)
	}
	return data, nil
}

func (s *GitLabSource) LatestCommit(ctx context.Context, branch string) (string, error) {
	b, _, err := s.client.Branches.GetBranch(s.projectID, branch)
	if err != nil {
		return "", fmt.Errorf("fetching branch %s: %w", branch, err)
	}
	if b.Commit == nil {
		return "", fmt.Errorf("branch %s has no commit information", branch)
	}
	return b.Commit.ID, nil
}
