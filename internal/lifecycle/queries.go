package lifecycle

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"stageflow/backend/internal/repository"
	"stageflow/backend/pkg/models"
)

// ProcessView is everything a viewer needs to render one process.
type ProcessView struct {
	Process  *models.Process       `json:"process"`
	Template *models.Template      `json:"template"`
	Stages   []models.OrderedStage `json:"stages"`
	Current  *models.OrderedStage  `json:"current_stage,omitempty"`
	Audit    []*models.AuditEntry  `json:"audit"`
}

// ProcessSummary is one row of a process listing.
type ProcessSummary struct {
	*models.Process
	TemplateName    string  `json:"template_name"`
	CurrentStage    string  `json:"current_stage"`
	CurrentAssignee *string `json:"current_assignee,omitempty"`
}

// GetProcessView loads a process with its template, ordered stages, derived
// current stage and audit log.
func (e *Engine) GetProcessView(ctx context.Context, processID string) (view *ProcessView, err error) {
	ctx, end := e.tel.start(ctx, "GetProcessView", attribute.String("process.id", processID))
	defer func() { end(err) }()

	process, err := e.repo.GetProcess(ctx, processID)
	if err != nil {
		return nil, classify("get process", err)
	}
	tmpl, err := e.repo.GetTemplate(ctx, process.TemplateID)
	if err != nil {
		return nil, classify("get template", err)
	}
	instances, err := e.repo.ListStageInstances(ctx, processID)
	if err != nil {
		return nil, classify("list stage instances", err)
	}
	ordered, err := OrderStages(instances, tmpl.Stages)
	if err != nil {
		return nil, classify("order stages", err)
	}
	audit, err := e.repo.ListAudit(ctx, processID)
	if err != nil {
		return nil, classify("list audit", err)
	}

	return &ProcessView{
		Process:  process,
		Template: tmpl,
		Stages:   ordered,
		Current:  currentOf(ordered),
		Audit:    audit,
	}, nil
}

// ListProcesses returns processes newest first, each with its current stage.
func (e *Engine) ListProcesses(ctx context.Context, filter repository.ProcessFilter) (summaries []ProcessSummary, err error) {
	ctx, end := e.tel.start(ctx, "ListProcesses")
	defer func() { end(err) }()

	processes, err := e.repo.ListProcesses(ctx, filter)
	if err != nil {
		return nil, classify("list processes", err)
	}

	templates := make(map[string]*models.Template)
	summaries = make([]ProcessSummary, 0, len(processes))
	for _, p := range processes {
		tmpl, ok := templates[p.TemplateID]
		if !ok {
			if tmpl, err = e.repo.GetTemplate(ctx, p.TemplateID); err != nil {
				return nil, classify("get template", err)
			}
			templates[p.TemplateID] = tmpl
		}
		instances, err := e.repo.ListStageInstances(ctx, p.ID)
		if err != nil {
			return nil, classify("list stage instances", err)
		}
		ordered, err := OrderStages(instances, tmpl.Stages)
		if err != nil {
			return nil, classify("order stages", err)
		}

		summary := ProcessSummary{Process: p, TemplateName: tmpl.Name}
		if cur := currentOf(ordered); cur != nil {
			summary.CurrentStage = cur.Name
			summary.CurrentAssignee = cur.Assignee
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// ListUsers returns every known user, for assignee pickers.
func (e *Engine) ListUsers(ctx context.Context) (users []*models.User, err error) {
	ctx, end := e.tel.start(ctx, "ListUsers")
	defer func() { end(err) }()

	users, err = e.repo.ListUsers(ctx)
	if err != nil {
		return nil, classify("list users", err)
	}
	return users, nil
}

// GetProcess returns a process row.
func (e *Engine) GetProcess(ctx context.Context, processID string) (process *models.Process, err error) {
	ctx, end := e.tel.start(ctx, "GetProcess", attribute.String("process.id", processID))
	defer func() { end(err) }()

	process, err = e.repo.GetProcess(ctx, processID)
	if err != nil {
		return nil, classify("get process", err)
	}
	return process, nil
}

// Ping checks the repository is reachable.
func (e *Engine) Ping(ctx context.Context) error {
	return e.repo.Ping(ctx)
}
