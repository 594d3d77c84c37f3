package blueprint

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// rawBlueprint mirrors the on-disk shape of a blueprint source file.
// Models may be declared as bare strings or as objects with extra
// per-model options; ModelRef's custom unmarshallers absorb that
// variance into the tagged union used throughout the rest of the
// package.
type rawBlueprint struct {
	// ID is read only so it can be discarded: the id is a pure
	// function of the source path, never the file's own declared id.
	ID          string      `yaml:"id" json:"id"`
	Title       string      `yaml:"title" json:"title"`
	Description string      `yaml:"description" json:"description"`
	Prompts     []rawPrompt `yaml:"prompts" json:"prompts"`
	Models      []ModelRef  `yaml:"models" json:"models"`
	Tags        []string    `yaml:"tags" json:"tags"`
}

type rawPrompt struct {
	Text         string         `yaml:"text" json:"text"`
	Messages     []Message      `yaml:"messages" json:"messages"`
	PointFunc    string         `yaml:"point_function" json:"point_function"`
	PointFuncArg map[string]any `yaml:"point_function_args" json:"point_function_args"`
}

// UnmarshalYAML absorbs either a bare scalar model name or a mapping
// with a name/options pair into the ModelRef tagged union.
func (m *ModelRef) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var name string
		if err := value.Decode(&name); err != nil {
			return err
		}
		*m = modelRefFromName(name)
		return nil
	}

	var obj struct {
		Name    string         `yaml:"name"`
		Options map[string]any `yaml:",inline"`
	}
	if err := value.Decode(&obj); err != nil {
		return err
	}
	delete(obj.Options, "name")
	ref := modelRefFromName(obj.Name)
	if len(obj.Options) > 0 {
		ref.Options = obj.Options
	}
	*m = ref
	return nil
}

// UnmarshalJSON mirrors UnmarshalYAML for blueprint sources authored
// as plain JSON.
func (m *ModelRef) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*m = modelRefFromName(name)
		return nil
	}

	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("model reference is neither a string nor an object: %w", err)
	}
	name, _ = obj["name"].(string)
	delete(obj, "name")
	ref := modelRefFromName(name)
	if len(obj) > 0 {
		ref.Options = obj
	}
	*m = ref
	return nil
}

// modelRefFromName classifies a model identifier as symbolic (a known
// all-caps group alias convention) or concrete.
func modelRefFromName(name string) ModelRef {
	return ModelRef{
		Symbolic: isSymbolicModelName(name),
		Name:     name,
	}
}

// isSymbolicModelName reports whether name reads as a group alias
// rather than a concrete "provider:family/variant" identifier:
// symbolic aliases contain no colon and are written in upper case.
func isSymbolicModelName(name string) bool {
	if name == "" || strings.Contains(name, ":") {
		return false
	}
	return name == strings.ToUpper(name)
}

// Parse parses a blueprint source file's raw bytes, inferring the
// format (YAML or JSON) from the source path's extension, and applies
// the normalisation steps the scheduler requires before a blueprint is
// eligible for scheduling: id derivation from path (not from the
// file's own id field), tag normalisation, title defaulting, and model
// list defaulting.
func Parse(sourcePath string, data []byte) (*Blueprint, error) {
	var raw rawBlueprint

	switch {
	case strings.HasSuffix(sourcePath, ".json"):
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parsing %s as json: %w", sourcePath, err)
		}
	case strings.HasSuffix(sourcePath, ".yaml"), strings.HasSuffix(sourcePath, ".yml"):
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parsing %s as yaml: %w", sourcePath, err)
		}
	default:
		return nil, fmt.Errorf("unrecognised blueprint source extension: %s", sourcePath)
	}

	id := DerivePathID(sourcePath)
	if id == "" {
		return nil, fmt.Errorf("empty derived id for path %s", sourcePath)
	}

	title := strings.TrimSpace(raw.Title)
	if title == "" {
		title = id
	}

	models := raw.Models
	if len(models) == 0 {
		models = []ModelRef{{Symbolic: true, Name: "CORE"}}
	}

	prompts := make([]Prompt, 0, len(raw.Prompts))
	for _, rp := range raw.Prompts {
		prompts = append(prompts, Prompt{
			Text:         rp.Text,
			Messages:     rp.Messages,
			PointFunc:    rp.PointFunc,
			PointFuncArg: rp.PointFuncArg,
		})
	}

	return &Blueprint{
		ID:          id,
		Title:       title,
		Description: raw.Description,
		Prompts:     prompts,
		Models:      models,
		Tags:        NormalizeTags(raw.Tags),
		SourcePath:  sourcePath,
	}, nil
}
