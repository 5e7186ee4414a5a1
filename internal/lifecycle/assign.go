package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"stageflow/backend/internal/notify"
	"stageflow/backend/internal/repository"
	"stageflow/backend/pkg/models"
)

// AssignStage sets or clears the assignee of a stage instance. The first
// stage keeps the assignee chosen at creation. Any actor may reassign the
// other stages.
func (e *Engine) AssignStage(ctx context.Context, processID, stageInstanceID, actorID string, target *string) error {
	action := "stage assignment removed"
	if target != nil && strings.TrimSpace(*target) != "" {
		action = "stage assigned to user " + strings.TrimSpace(*target)
	}
	return e.assign(ctx, "AssignStage", processID, stageInstanceID, actorID, target, action)
}

// AssignToSelf makes the actor the assignee of a stage instance.
func (e *Engine) AssignToSelf(ctx context.Context, processID, stageInstanceID, actorID string) error {
	if actorID == "" {
		return errorf(KindInvalidInput, "actor is required")
	}
	return e.assign(ctx, "AssignToSelf", processID, stageInstanceID, actorID, &actorID, "stage assigned to self")
}

// ClearAssignment removes the assignee of a stage instance.
func (e *Engine) ClearAssignment(ctx context.Context, processID, stageInstanceID, actorID string) error {
	return e.assign(ctx, "ClearAssignment", processID, stageInstanceID, actorID, nil, "stage assignment removed")
}

func (e *Engine) assign(ctx context.Context, op, processID, stageInstanceID, actorID string, target *string, action string) (err error) {
	ctx, end := e.tel.start(ctx, op,
		attribute.String("process.id", processID),
		attribute.String("stage_instance.id", stageInstanceID),
	)
	defer func() { end(err) }()

	var assignee *string
	if target != nil && strings.TrimSpace(*target) != "" {
		t := strings.TrimSpace(*target)
		assignee = &t
	}

	var changed *models.StageInstance
	err = e.repo.InTx(ctx, func(tx repository.Store) error {
		process, err := tx.LockProcess(ctx, processID)
		if err != nil {
			return classify("lock process", err)
		}
		ordered, err := loadLedger(ctx, tx, process)
		if err != nil {
			return err
		}

		idx := -1
		for i := range ordered {
			if ordered[i].ID == stageInstanceID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return errorf(KindNotFound, "stage instance %s not found in process %s", stageInstanceID, processID)
		}
		if idx == 0 {
			return errorf(KindFirstStageLocked, "the assignee of stage %q is fixed at creation", ordered[0].Name)
		}
		if assignee != nil {
			if _, err := tx.GetUser(ctx, *assignee); err != nil {
				return classify("assignee", err)
			}
		}

		if err := tx.SetAssignee(ctx, stageInstanceID, assignee); err != nil {
			return fmt.Errorf("set assignee: %w", err)
		}
		changed = ordered[idx].StageInstance
		changed.Assignee = assignee

		return tx.AppendAudit(ctx, &models.AuditEntry{
			ID:        e.newID(),
			ProcessID: process.ID,
			Action:    action,
			Actor:     actorID,
			At:        e.timestamp(),
		})
	})
	if err != nil {
		return classify("assign stage", err)
	}

	e.publish(ctx, notify.StageChanged(notify.ChangeUpdate, changed))
	e.logger.Info("stage assignment changed",
		"process_id", processID,
		"stage_instance_id", stageInstanceID,
		"actor", actorID,
		"action", action,
	)
	return nil
}
