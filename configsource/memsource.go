package configsource

import "context"

// MemSource is an in-memory Source used by tests elsewhere in the
// module; it is not used in production.
type MemSource struct {
	Files  map[string][]byte
	Commit string
}

func NewMemSource() *MemSource {
	return &MemSource{Files: make(map[string][]byte)}
}

func (m *MemSource) ListTree(ctx context.Context, ref string) ([]TreeEntry, error) {
	entries := make([]TreeEntry, 0, len(m.Files))
	for path, data := range m.Files {
		entries = append(entries, TreeEntry{Path: path, Size: int64(len(data))})
	}
	return entries, nil
}

func (m *MemSource) GetFile(ctx context.Context, ref, path string) ([]byte, error) {
	data, ok := m.Files[path]
	if !ok {
		return nil, errNotFound(path)
	}
	return data, nil
}

func (m *MemSource) LatestCommit(ctx context.Context, branch string) (string, error) {
	return m.Commit, nil
}

type errNotFound string

func (e errNotFound) Error() string { return "configsource: file not found: " + string(e) }
