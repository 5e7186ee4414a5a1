// Package templatefile reads template definitions from YAML documents and
// imports them through the lifecycle engine.
package templatefile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"stageflow/backend/internal/lifecycle"
	"stageflow/backend/pkg/models"
)

// Template is one template definition in a file.
type Template struct {
	Name        string                 `yaml:"name"`
	Description string                 `yaml:"description"`
	Stages      []lifecycle.StageInput `yaml:"stages"`
}

type document struct {
	Templates []Template `yaml:"templates"`
}

// Parse decodes a templates document. Unknown keys are rejected so typos do
// not silently drop stages.
func Parse(data []byte) ([]Template, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode templates: %w", err)
	}
	for i, t := range doc.Templates {
		if strings.TrimSpace(t.Name) == "" {
			return nil, fmt.Errorf("template #%d: name is required", i+1)
		}
	}
	return doc.Templates, nil
}

// Load reads and parses a templates file.
func Load(path string) ([]Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	templates, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return templates, nil
}

// Catalog is the part of the engine an import needs.
type Catalog interface {
	ListTemplates(ctx context.Context) ([]*models.Template, error)
	CreateTemplate(ctx context.Context, name, description, creatorID string, stages []lifecycle.StageInput) (*models.Template, error)
}

// Result reports what an import did.
type Result struct {
	Created []*models.Template `json:"created"`
	Skipped []string           `json:"skipped"`
}

// Import creates every template whose name is not taken yet.
func Import(ctx context.Context, catalog Catalog, creatorID string, templates []Template) (*Result, error) {
	existing, err := catalog.ListTemplates(ctx)
	if err != nil {
		return nil, err
	}
	taken := make(map[string]bool, len(existing))
	for _, t := range existing {
		taken[t.Name] = true
	}

	res := &Result{Created: []*models.Template{}, Skipped: []string{}}
	for _, t := range templates {
		name := strings.TrimSpace(t.Name)
		if taken[name] {
			res.Skipped = append(res.Skipped, name)
			continue
		}
		created, err := catalog.CreateTemplate(ctx, name, t.Description, creatorID, t.Stages)
		if err != nil {
			return res, fmt.Errorf("create template %q: %w", name, err)
		}
		taken[name] = true
		res.Created = append(res.Created, created)
	}
	return res, nil
}
