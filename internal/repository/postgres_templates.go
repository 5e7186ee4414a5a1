package repository

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"stageflow/backend/pkg/models"
)

// CreateTemplate inserts the template and its stage definitions. Callers
// that need both to land together should call it inside InTx.
func (s *pgStore) CreateTemplate(ctx context.Context, template *models.Template) error {
	err := s.q.QueryRow(ctx,
		`INSERT INTO templates (id, name, description, created_by, created_at)
		 VALUES ($1, $2, $3, NULLIF($4, '')::uuid, COALESCE($5, now()))
		 RETURNING created_at`,
		template.ID, template.Name, template.Description, template.CreatedBy, nullTime(template.CreatedAt),
	).Scan(&template.CreatedAt)
	if err != nil {
		return mapError("insert template", err)
	}

	if len(template.Stages) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(template.Stages))
	for _, st := range template.Stages {
		st.TemplateID = template.ID
		rows = append(rows, []any{st.ID, st.TemplateID, st.Order, st.Name, st.Description})
	}
	if err := s.insertRows(ctx, "stage_definitions",
		[]string{"id", "template_id", "position", "name", "description"}, rows); err != nil {
		return mapError("insert stage definitions", err)
	}
	return nil
}

const templateColumns = `t.id, t.name, t.description, COALESCE(t.created_by::text, ''), t.created_at,
	(SELECT count(*) FROM processes p WHERE p.template_id = t.id)`

// GetTemplate returns a template with its ordered stage definitions.
func (s *pgStore) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	var t models.Template
	err := s.q.QueryRow(ctx,
		`SELECT `+templateColumns+` FROM templates t WHERE t.id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.Description, &t.CreatedBy, &t.CreatedAt, &t.ProcessCount)
	if err != nil {
		return nil, mapError("get template", err)
	}
	stages, err := s.ListStageDefinitions(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Stages = stages
	return &t, nil
}

// ListTemplates returns every template ordered by name, each with its stages.
func (s *pgStore) ListTemplates(ctx context.Context) ([]*models.Template, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+templateColumns+` FROM templates t ORDER BY t.name, t.created_at`)
	if err != nil {
		return nil, mapError("list templates", err)
	}
	defer rows.Close()

	var templates []*models.Template
	byID := make(map[string]*models.Template)
	for rows.Next() {
		var t models.Template
		if err := rows.Scan(&t.ID, &t.Name, &t.Description, &t.CreatedBy, &t.CreatedAt, &t.ProcessCount); err != nil {
			return nil, mapError("scan template", err)
		}
		templates = append(templates, &t)
		byID[t.ID] = &t
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("list templates", err)
	}
	rows.Close()

	defRows, err := s.q.Query(ctx,
		`SELECT id, template_id, position, name, description
		 FROM stage_definitions ORDER BY template_id, position`)
	if err != nil {
		return nil, mapError("list stage definitions", err)
	}
	defer defRows.Close()
	for defRows.Next() {
		d, err := scanStageDefinition(defRows)
		if err != nil {
			return nil, err
		}
		if t, ok := byID[d.TemplateID]; ok {
			t.Stages = append(t.Stages, d)
		}
	}
	return templates, mapError("list stage definitions", defRows.Err())
}

// ListStageDefinitions returns a template's stage definitions ordered ascending.
func (s *pgStore) ListStageDefinitions(ctx context.Context, templateID string) ([]*models.StageDefinition, error) {
	rows, err := s.q.Query(ctx,
		`SELECT id, template_id, position, name, description
		 FROM stage_definitions WHERE template_id = $1 ORDER BY position`, templateID)
	if err != nil {
		return nil, mapError("list stage definitions", err)
	}
	defer rows.Close()

	var defs []*models.StageDefinition
	for rows.Next() {
		d, err := scanStageDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, d)
	}
	return defs, mapError("list stage definitions", rows.Err())
}

func scanStageDefinition(row pgx.Row) (*models.StageDefinition, error) {
	var d models.StageDefinition
	if err := row.Scan(&d.ID, &d.TemplateID, &d.Order, &d.Name, &d.Description); err != nil {
		return nil, mapError("scan stage definition", err)
	}
	return &d, nil
}

// insertRows writes rows with a single multi-row INSERT statement.
func (s *pgStore) insertRows(ctx context.Context, table string, columns []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString("INSERT INTO " + table + " (" + strings.Join(columns, ", ") + ") VALUES ")
	args := make([]any, 0, len(rows)*len(columns))
	for i, r := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for j := range columns {
			if j > 0 {
				sb.WriteString(", ")
			}
			args = append(args, r[j])
			sb.WriteString("$" + strconv.Itoa(len(args)))
		}
		sb.WriteString(")")
	}
	_, err := s.q.Exec(ctx, sb.String(), args...)
	return err
}

// nullTime lets the database default a zero timestamp.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
