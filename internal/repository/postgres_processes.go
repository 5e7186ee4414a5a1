package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"stageflow/backend/pkg/models"
)

const processColumns = `id, template_id, status, created_by, created_at`

// CreateProcess inserts a process row.
func (s *pgStore) CreateProcess(ctx context.Context, process *models.Process) error {
	err := s.q.QueryRow(ctx,
		`INSERT INTO processes (id, template_id, status, created_by, created_at)
		 VALUES ($1, $2, $3, $4, COALESCE($5, now()))
		 RETURNING created_at`,
		process.ID, process.TemplateID, process.Status, process.CreatedBy, nullTime(process.CreatedAt),
	).Scan(&process.CreatedAt)
	return mapError("insert process", err)
}

// GetProcess returns a process by id.
func (s *pgStore) GetProcess(ctx context.Context, id string) (*models.Process, error) {
	p, err := scanProcess(s.q.QueryRow(ctx, `SELECT `+processColumns+` FROM processes WHERE id = $1`, id))
	if err != nil {
		return nil, mapError("get process", err)
	}
	return p, nil
}

// LockProcess reads the process with FOR UPDATE when inside a transaction.
func (s *pgStore) LockProcess(ctx context.Context, id string) (*models.Process, error) {
	if !s.inTx {
		return s.GetProcess(ctx, id)
	}
	p, err := scanProcess(s.q.QueryRow(ctx, `SELECT `+processColumns+` FROM processes WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, mapError("lock process", err)
	}
	return p, nil
}

// CompleteProcess marks an in-progress process completed.
func (s *pgStore) CompleteProcess(ctx context.Context, id string) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE processes SET status = $2 WHERE id = $1 AND status = $3`,
		id, models.ProcessStatusCompleted, models.ProcessStatusInProgress)
	return expectOne("complete process", tag, err)
}

// ListProcesses returns processes newest first.
func (s *pgStore) ListProcesses(ctx context.Context, filter ProcessFilter) ([]*models.Process, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if filter.InvolvingUser == "" {
		rows, err = s.q.Query(ctx, `SELECT `+processColumns+` FROM processes ORDER BY created_at DESC, id`)
	} else {
		rows, err = s.q.Query(ctx,
			`SELECT `+processColumns+` FROM processes p
			 WHERE p.created_by = $1
			    OR EXISTS (SELECT 1 FROM stage_instances si WHERE si.process_id = p.id AND si.assignee = $1)
			 ORDER BY created_at DESC, id`, filter.InvolvingUser)
	}
	if err != nil {
		return nil, mapError("list processes", err)
	}
	defer rows.Close()

	var processes []*models.Process
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, mapError("scan process", err)
		}
		processes = append(processes, p)
	}
	return processes, mapError("list processes", rows.Err())
}

func scanProcess(row pgx.Row) (*models.Process, error) {
	var p models.Process
	if err := row.Scan(&p.ID, &p.TemplateID, &p.Status, &p.CreatedBy, &p.CreatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

const stageInstanceColumns = `id, process_id, stage_definition_id, assignee, status, started_at, completed_at`

// CreateStageInstances inserts all instances of a process in one statement.
func (s *pgStore) CreateStageInstances(ctx context.Context, instances []*models.StageInstance) error {
	rows := make([][]any, 0, len(instances))
	for _, si := range instances {
		rows = append(rows, []any{si.ID, si.ProcessID, si.StageDefinitionID, si.Assignee, si.Status, si.StartedAt, si.CompletedAt})
	}
	err := s.insertRows(ctx, "stage_instances",
		[]string{"id", "process_id", "stage_definition_id", "assignee", "status", "started_at", "completed_at"}, rows)
	return mapError("insert stage instances", err)
}

// GetStageInstance returns a stage instance by id.
func (s *pgStore) GetStageInstance(ctx context.Context, id string) (*models.StageInstance, error) {
	si, err := scanStageInstance(s.q.QueryRow(ctx, `SELECT `+stageInstanceColumns+` FROM stage_instances WHERE id = $1`, id))
	if err != nil {
		return nil, mapError("get stage instance", err)
	}
	return si, nil
}

// ListStageInstances returns a process's instances. Order is resolved by the
// caller against stage definitions; rows come back in a stable but
// meaningless order.
func (s *pgStore) ListStageInstances(ctx context.Context, processID string) ([]*models.StageInstance, error) {
	rows, err := s.q.Query(ctx, `SELECT `+stageInstanceColumns+` FROM stage_instances WHERE process_id = $1 ORDER BY id`, processID)
	if err != nil {
		return nil, mapError("list stage instances", err)
	}
	defer rows.Close()

	var instances []*models.StageInstance
	for rows.Next() {
		si, err := scanStageInstance(rows)
		if err != nil {
			return nil, mapError("scan stage instance", err)
		}
		instances = append(instances, si)
	}
	return instances, mapError("list stage instances", rows.Err())
}

// StartStage moves a pending instance to in_progress.
func (s *pgStore) StartStage(ctx context.Context, id string, at time.Time) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE stage_instances SET status = $2, started_at = $3 WHERE id = $1 AND status = $4`,
		id, models.StageStatusInProgress, at, models.StageStatusPending)
	return expectOne("start stage", tag, err)
}

// CompleteStage moves an in_progress instance to completed.
func (s *pgStore) CompleteStage(ctx context.Context, id string, at time.Time) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE stage_instances SET status = $2, completed_at = $3 WHERE id = $1 AND status = $4`,
		id, models.StageStatusCompleted, at, models.StageStatusInProgress)
	return expectOne("complete stage", tag, err)
}

// SetAssignee replaces the instance's assignee; nil clears it.
func (s *pgStore) SetAssignee(ctx context.Context, id string, assignee *string) error {
	tag, err := s.q.Exec(ctx, `UPDATE stage_instances SET assignee = $2 WHERE id = $1`, id, assignee)
	if err == nil && tag.RowsAffected() == 0 {
		return mapError("set assignee", pgx.ErrNoRows)
	}
	return mapError("set assignee", err)
}

func scanStageInstance(row pgx.Row) (*models.StageInstance, error) {
	var si models.StageInstance
	if err := row.Scan(&si.ID, &si.ProcessID, &si.StageDefinitionID, &si.Assignee, &si.Status, &si.StartedAt, &si.CompletedAt); err != nil {
		return nil, err
	}
	return &si, nil
}
