package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/sitebind/sitebind/pkg/engine"
)

// DesiredDocument is one desired state together with where it came from.
type DesiredDocument struct {
	State  engine.DesiredState
	Source string
	Path   string
	Line   int
}

// DesiredLoader reads desired states from YAML, JSON or CUE sources,
// normalizes them and checks them against the CUE schema, the struct tags
// and the structural rules of engine.DesiredState.
type DesiredLoader struct {
	registry *SchemaRegistry
	cue      *CUEParser
	validate *validator.Validate
}

// NewDesiredLoader creates a loader with the builtin schemas.
func NewDesiredLoader() *DesiredLoader {
	registry := NewSchemaRegistry()
	return &DesiredLoader{
		registry: registry,
		cue:      NewCUEParser(registry),
		validate: validator.New(),
	}
}

// LoadDesiredStates reads every desired state under path with a default loader.
func LoadDesiredStates(ctx context.Context, path string) ([]engine.DesiredState, error) {
	docs, err := NewDesiredLoader().Load(ctx, path)
	if err != nil {
		return nil, err
	}
	states := make([]engine.DesiredState, 0, len(docs))
	for _, d := range docs {
		states = append(states, d.State)
	}
	return states, nil
}

// Load reads a file or a directory. In a directory, YAML and JSON files are
// read one by one and the .cue files are loaded together as one package.
// Duplicate domains are rejected.
func (l *DesiredLoader) Load(ctx context.Context, path string) ([]DesiredDocument, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat source %s: %w", path, err)
	}

	var docs []DesiredDocument
	if info.IsDir() {
		docs, err = l.loadDirectory(ctx, path)
	} else {
		docs, err = l.loadFile(ctx, path)
	}
	if err != nil {
		return nil, err
	}

	var errs ValidationErrors
	seen := make(map[string]DesiredDocument, len(docs))
	for i := range docs {
		if err := l.Check(ctx, &docs[i].State); err != nil {
			errs = append(errs, located(asValidationErrors(err), docs[i])...)
			continue
		}
		if prev, dup := seen[docs[i].State.Domain]; dup {
			errs = append(errs, ValidationError{
				File:    docs[i].Source,
				Line:    docs[i].Line,
				Path:    docs[i].Path,
				Message: fmt.Sprintf("domain %s is already declared in %s", docs[i].State.Domain, prev.Source),
			})
			continue
		}
		seen[docs[i].State.Domain] = docs[i]
	}
	if len(errs) > 0 {
		return nil, errs
	}
	if len(docs) == 0 {
		return nil, ValidationErrors{{File: path, Message: "no bindings found"}}
	}
	return docs, nil
}

func (l *DesiredLoader) loadFile(ctx context.Context, path string) ([]DesiredDocument, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return l.cue.ParseFile(ctx, path)
	case ".yaml", ".yml", ".json":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read file %s: %w", path, err)
		}
		return ParseYAML(path, data)
	default:
		return nil, fmt.Errorf("unsupported desired-state file type: %s", path)
	}
}

func (l *DesiredLoader) loadDirectory(ctx context.Context, dir string) ([]DesiredDocument, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	var docs []DesiredDocument
	hasCUE := false
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		switch strings.ToLower(filepath.Ext(name)) {
		case ".cue":
			hasCUE = true
		case ".yaml", ".yml", ".json":
			fileDocs, err := l.loadFile(ctx, filepath.Join(dir, name))
			if err != nil {
				return nil, err
			}
			docs = append(docs, fileDocs...)
		}
	}

	if hasCUE {
		cueDocs, err := l.cue.ParseDirectory(ctx, dir)
		if err != nil {
			return nil, err
		}
		docs = append(docs, cueDocs...)
	}
	return docs, nil
}

// Check normalizes a desired state in place and validates it.
func (l *DesiredLoader) Check(ctx context.Context, d *engine.DesiredState) error {
	d.Normalize()

	if err := l.validate.Struct(d); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			out := make(ValidationErrors, 0, len(verrs))
			for _, fe := range verrs {
				out = append(out, ValidationError{
					Path:    fe.Namespace(),
					Message: fmt.Sprintf("failed the %q rule", fe.Tag()),
				})
			}
			return out
		}
		return err
	}

	if err := l.registry.ValidateAgainstSchema(ctx, SchemaDesiredState, d); err != nil {
		return ValidationErrors{{Path: d.Domain, Message: err.Error()}}
	}

	if err := d.Validate(); err != nil {
		return ValidationErrors{{Path: d.Domain, Message: engine.AsEngineError(err).Message}}
	}
	return nil
}

// ParseYAML decodes desired states from a YAML or JSON stream. Every
// document is a single desired state, a list of them, or a mapping with a
// "bindings" list.
func ParseYAML(source string, data []byte) ([]DesiredDocument, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))

	var docs []DesiredDocument
	for docIdx := 0; ; docIdx++ {
		var root yaml.Node
		if err := dec.Decode(&root); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, ValidationErrors{{File: source, Message: err.Error()}}
		}
		if len(root.Content) == 0 {
			continue
		}

		node := root.Content[0]
		prefix := ""
		if docIdx > 0 {
			prefix = fmt.Sprintf("documents[%d].", docIdx)
		}

		if node.Kind == yaml.MappingNode {
			if list := mappingValue(node, "bindings"); list != nil {
				node = list
				prefix += "bindings"
			}
		}

		switch node.Kind {
		case yaml.SequenceNode:
			for i, item := range node.Content {
				doc, err := decodeYAMLState(item, source, fmt.Sprintf("%s[%d]", prefix, i))
				if err != nil {
					return nil, err
				}
				docs = append(docs, doc)
			}
		case yaml.MappingNode:
			doc, err := decodeYAMLState(node, source, strings.TrimSuffix(prefix, "."))
			if err != nil {
				return nil, err
			}
			docs = append(docs, doc)
		default:
			return nil, ValidationErrors{{File: source, Line: node.Line, Column: node.Column, Message: "expected a desired state or a list of them"}}
		}
	}
	return docs, nil
}

func decodeYAMLState(node *yaml.Node, source, path string) (DesiredDocument, error) {
	doc := DesiredDocument{Source: source, Path: path, Line: node.Line}
	if err := node.Decode(&doc.State); err != nil {
		return doc, ValidationErrors{{File: source, Line: node.Line, Column: node.Column, Path: path, Message: err.Error()}}
	}
	return doc, nil
}

func mappingValue(node *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}

func asValidationErrors(err error) ValidationErrors {
	var verrs ValidationErrors
	if errors.As(err, &verrs) {
		return verrs
	}
	return ValidationErrors{{Message: err.Error()}}
}

// located fills missing source positions from the document.
func located(errs ValidationErrors, doc DesiredDocument) ValidationErrors {
	for i := range errs {
		if errs[i].File == "" {
			errs[i].File = doc.Source
			errs[i].Line = doc.Line
		}
		if errs[i].Path == "" {
			errs[i].Path = doc.Path
		}
	}
	return errs
}
