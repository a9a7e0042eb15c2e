package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
)

// CUEParser reads desired states from CUE sources. A source either holds a
// top-level "bindings" field (a list, or a struct keyed by domain) or is a
// single desired state with a top-level "domain".
type CUEParser struct {
	registry *SchemaRegistry
}

// NewCUEParser creates a parser validating against the registry's schemas.
func NewCUEParser(registry *SchemaRegistry) *CUEParser {
	return &CUEParser{registry: registry}
}

// ParseFile parses a single .cue file.
func (cp *CUEParser) ParseFile(ctx context.Context, path string) ([]DesiredDocument, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}
	return cp.parse(cp.registry.Context().CompileBytes(content, cue.Filename(path)), path)
}

// ParseDirectory loads the .cue files of a directory as one CUE package.
func (cp *CUEParser) ParseDirectory(ctx context.Context, dir string) ([]DesiredDocument, error) {
	buildInstances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(buildInstances) == 0 {
		return nil, ValidationErrors{{File: dir, Message: "no CUE files found"}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return nil, convertCUEErrors(inst.Err)
	}

	return cp.parse(cp.registry.Context().BuildInstance(inst), dir)
}

// ParseInline parses CUE content held in memory.
func (cp *CUEParser) ParseInline(ctx context.Context, name, content string) ([]DesiredDocument, error) {
	return cp.parse(cp.registry.Context().CompileString(content, cue.Filename(name)), name)
}

func (cp *CUEParser) parse(val cue.Value, source string) ([]DesiredDocument, error) {
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}

	bindings := val.LookupPath(cue.ParsePath("bindings"))
	switch {
	case bindings.Exists() && bindings.Kind() == cue.ListKind:
		return cp.extractList(bindings, source)
	case bindings.Exists() && bindings.Kind() == cue.StructKind:
		return cp.extractStruct(bindings, source)
	case bindings.Exists():
		return nil, ValidationErrors{{File: source, Path: "bindings", Message: "bindings must be a list or a struct"}}
	case val.LookupPath(cue.ParsePath("domain")).Exists():
		doc, err := cp.extract(val, "", source, "")
		if err != nil {
			return nil, err
		}
		return []DesiredDocument{doc}, nil
	default:
		return nil, ValidationErrors{{File: source, Message: "no bindings found"}}
	}
}

func (cp *CUEParser) extractList(list cue.Value, source string) ([]DesiredDocument, error) {
	iter, err := list.List()
	if err != nil {
		return nil, convertCUEErrors(err)
	}

	var docs []DesiredDocument
	var errs ValidationErrors
	for idx := 0; iter.Next(); idx++ {
		doc, err := cp.extract(iter.Value(), "", source, fmt.Sprintf("bindings[%d]", idx))
		if err != nil {
			errs = append(errs, asValidationErrors(err)...)
			continue
		}
		docs = append(docs, doc)
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return docs, nil
}

func (cp *CUEParser) extractStruct(fields cue.Value, source string) ([]DesiredDocument, error) {
	iter, err := fields.Fields()
	if err != nil {
		return nil, convertCUEErrors(err)
	}

	var docs []DesiredDocument
	var errs ValidationErrors
	for iter.Next() {
		key := iter.Selector().Unquoted()
		doc, err := cp.extract(iter.Value(), key, source, "bindings."+iter.Selector().String())
		if err != nil {
			errs = append(errs, asValidationErrors(err)...)
			continue
		}
		docs = append(docs, doc)
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return docs, nil
}

// extract fills the domain from a struct key when absent, unifies with the
// schema and decodes the result.
func (cp *CUEParser) extract(val cue.Value, key, source, path string) (DesiredDocument, error) {
	doc := DesiredDocument{Source: source, Path: path}

	if key != "" && !val.LookupPath(cue.ParsePath("domain")).Exists() {
		val = val.FillPath(cue.ParsePath("domain"), key)
	}

	unified, err := cp.registry.Unify(SchemaDesiredState, val)
	if err != nil {
		errs := convertCUEErrors(err)
		for i := range errs {
			if errs[i].Path == "" {
				errs[i].Path = path
			}
		}
		return doc, errs
	}

	if err := unified.Decode(&doc.State); err != nil {
		return doc, ValidationErrors{{File: source, Path: path, Message: fmt.Sprintf("failed to decode desired state: %v", err)}}
	}
	if pos := val.Pos(); pos.IsValid() {
		doc.Line = pos.Line()
	}
	return doc, nil
}

// convertCUEErrors converts CUE errors to ValidationErrors, preferring
// positions in the document over positions in the schema.
func convertCUEErrors(err error) ValidationErrors {
	var validationErrors ValidationErrors

	for _, e := range errors.Errors(err) {
		ve := ValidationError{Message: errors.Details(e, nil)}
		for _, pos := range errors.Positions(e) {
			ve.File = pos.Filename()
			ve.Line = pos.Line()
			ve.Column = pos.Column()
			if !strings.HasPrefix(ve.File, schemaFilePrefix) {
				break
			}
		}
		if p := e.Path(); len(p) > 0 {
			ve.Path = strings.Join(p, ".")
		}
		validationErrors = append(validationErrors, ve)
	}

	return validationErrors
}
