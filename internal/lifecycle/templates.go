package lifecycle

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"stageflow/backend/internal/repository"
	"stageflow/backend/pkg/models"
)

// StageInput is one stage of a template being authored.
type StageInput struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description"`
}

// CreateTemplate stores a template and its stage definitions. Stages with a
// blank name are dropped and the rest are numbered from 1 in the order given.
func (e *Engine) CreateTemplate(ctx context.Context, name, description, creatorID string, stages []StageInput) (tmpl *models.Template, err error) {
	ctx, end := e.tel.start(ctx, "CreateTemplate")
	defer func() { end(err) }()

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errorf(KindInvalidInput, "template name is required")
	}
	if creatorID == "" {
		return nil, errorf(KindInvalidInput, "template creator is required")
	}

	tmpl = &models.Template{
		ID:          e.newID(),
		Name:        name,
		Description: strings.TrimSpace(description),
		CreatedBy:   creatorID,
		CreatedAt:   e.timestamp(),
	}
	for _, st := range stages {
		stageName := strings.TrimSpace(st.Name)
		if stageName == "" {
			continue
		}
		tmpl.Stages = append(tmpl.Stages, &models.StageDefinition{
			ID:          e.newID(),
			TemplateID:  tmpl.ID,
			Order:       len(tmpl.Stages) + 1,
			Name:        stageName,
			Description: strings.TrimSpace(st.Description),
		})
	}

	if err := e.repo.InTx(ctx, func(tx repository.Store) error {
		return tx.CreateTemplate(ctx, tmpl)
	}); err != nil {
		return nil, classify("create template", err)
	}

	e.logger.Info("template created", "template_id", tmpl.ID, "name", tmpl.Name, "stages", len(tmpl.Stages))
	return tmpl, nil
}

// GetTemplate returns a template with its ordered stage definitions.
func (e *Engine) GetTemplate(ctx context.Context, id string) (tmpl *models.Template, err error) {
	ctx, end := e.tel.start(ctx, "GetTemplate", attribute.String("template.id", id))
	defer func() { end(err) }()

	tmpl, err = e.repo.GetTemplate(ctx, id)
	if err != nil {
		return nil, classify("get template", err)
	}
	return tmpl, nil
}

// ListTemplates returns every template by name, each with its stages.
func (e *Engine) ListTemplates(ctx context.Context) (templates []*models.Template, err error) {
	ctx, end := e.tel.start(ctx, "ListTemplates")
	defer func() { end(err) }()

	templates, err = e.repo.ListTemplates(ctx)
	if err != nil {
		return nil, classify("list templates", err)
	}
	return templates, nil
}

// DuplicateTemplate copies a template and its stage definitions, keeping
// every stage's order, under the name "<name> (copy)". The copy belongs to
// actorID.
func (e *Engine) DuplicateTemplate(ctx context.Context, templateID, actorID string) (tmpl *models.Template, err error) {
	ctx, end := e.tel.start(ctx, "DuplicateTemplate", attribute.String("template.id", templateID))
	defer func() { end(err) }()

	if actorID == "" {
		return nil, errorf(KindInvalidInput, "template creator is required")
	}
	err = e.repo.InTx(ctx, func(tx repository.Store) error {
		src, err := tx.GetTemplate(ctx, templateID)
		if err != nil {
			return err
		}
		tmpl = &models.Template{
			ID:          e.newID(),
			Name:        src.Name + " (copy)",
			Description: src.Description,
			CreatedBy:   actorID,
			CreatedAt:   e.timestamp(),
		}
		for _, st := range src.Stages {
			tmpl.Stages = append(tmpl.Stages, &models.StageDefinition{
				ID:          e.newID(),
				TemplateID:  tmpl.ID,
				Order:       st.Order,
				Name:        st.Name,
				Description: st.Description,
			})
		}
		return tx.CreateTemplate(ctx, tmpl)
	})
	if err != nil {
		return nil, classify("duplicate template", err)
	}

	e.logger.Info("template duplicated", "template_id", tmpl.ID, "source_id", templateID)
	return tmpl, nil
}
