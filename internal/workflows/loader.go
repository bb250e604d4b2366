// Package workflows loads reusable workflow templates, validates them and
// keeps them available by id for the session engine and the planners.
package workflows

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/stepflow/pkg/schema"
)

// Loader reads workflow definitions from YAML or JSON files.
type Loader struct{}

// NewLoader creates a Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Parse decodes a single definition. ext selects the format (".json",
// ".yaml" or ".yml").
func (l *Loader) Parse(data []byte, ext string) (*schema.WorkflowDefinition, error) {
	switch strings.ToLower(ext) {
	case ".json":
		return schema.ParseWorkflowDefinition(data)
	case ".yaml", ".yml":
		var def schema.WorkflowDefinition
		if err := yaml.Unmarshal(data, &def); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode workflow definition: %s", err.Error()).
				WithCause(err)
		}
		return &def, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported workflow file extension %q", ext)
	}
}

// LoadFile loads and parses one definition file.
func (l *Loader) LoadFile(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	def, err := l.Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return def, nil
}

// LoadDir recursively loads every *.yaml, *.yml and *.json file under dir.
func (l *Loader) LoadDir(dir string) (map[string]*schema.WorkflowDefinition, error) {
	return l.LoadFS(os.DirFS(dir), ".")
}

// LoadFS is LoadDir over an fs.FS. Keys of the result are file paths within fsys.
func (l *Loader) LoadFS(fsys fs.FS, root string) (map[string]*schema.WorkflowDefinition, error) {
	defs := make(map[string]*schema.WorkflowDefinition)
	err := fs.WalkDir(fsys, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isDefinitionFile(path) {
			return nil
		}
		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		def, err := l.Parse(data, filepath.Ext(path))
		if err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
		defs[path] = def
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", root, err)
	}
	return defs, nil
}

func isDefinitionFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}
