package modelgroup

import (
	"context"
	"encoding/json"
	"fmt"

	"evalorchestrator.dev/configsource"
)

// DefaultCataloguePath is the repository-relative path the resolver
// fetches the model-group alias document from: a flat JSON object
// mapping each alias (CORE, QUICK, ...) to its list of concrete model
// ids, living in the same repository the blueprints themselves come
// from.
const DefaultCataloguePath = "model-groups.json"

// RepoCatalogueSource implements CatalogueSource by fetching and
// decoding the alias document from a configsource.Source.
type RepoCatalogueSource struct {
	Source configsource.Source
	Branch string
	Path   string
}

// NewRepoCatalogueSource constructs a RepoCatalogueSource, defaulting
// branch to "main" and path to DefaultCataloguePath.
func NewRepoCatalogueSource(source configsource.Source, branch, path string) *RepoCatalogueSource {
	if branch == "" {
		branch = "main"
	}
	if path == "" {
		path = DefaultCataloguePath
	}
	return &RepoCatalogueSource{Source: source, Branch: branch, Path: path}
}

func (s *RepoCatalogueSource) FetchCatalogue(ctx context.Context) (Catalogue, error) {
	data, err := s.Source.GetFile(ctx, s.Branch, s.Path)
	if err != nil {
		return nil, fmt.Errorf("fetching model group catalogue %s: %w", s.Path, err)
	}

	var catalogue Catalogue
	if err := json.Unmarshal(data, &catalogue); err != nil {
		return nil, fmt.Errorf("parsing model group catalogue %s: %w", s.Path, err)
	}
	return catalogue, nil
}
