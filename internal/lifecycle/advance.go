package lifecycle

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"stageflow/backend/internal/notify"
	"stageflow/backend/internal/repository"
	"stageflow/backend/pkg/models"
)

// AdvanceCurrentStage completes the current stage on behalf of its assignee
// and starts the next one, or completes the process after the last stage.
// The process row stays locked for the whole transaction, so concurrent
// advances serialize and the later one validates against the committed state.
func (e *Engine) AdvanceCurrentStage(ctx context.Context, processID, actorID string) (err error) {
	ctx, end := e.tel.start(ctx, "AdvanceCurrentStage", attribute.String("process.id", processID))
	defer func() { end(err) }()

	var (
		events    []notify.Event
		completed models.OrderedStage
		finished  bool
	)
	err = e.repo.InTx(ctx, func(tx repository.Store) error {
		events = events[:0]
		process, err := tx.LockProcess(ctx, processID)
		if err != nil {
			return classify("lock process", err)
		}
		ordered, err := loadLedger(ctx, tx, process)
		if err != nil {
			return err
		}

		idx := activeOf(ordered)
		if idx < 0 || process.Status == models.ProcessStatusCompleted {
			return errorf(KindNoActiveStage, "process %s has no active stage", processID)
		}
		current := ordered[idx]
		if current.Status != models.StageStatusInProgress {
			return errorf(KindNoActiveStage, "stage %q of process %s has not started", current.Name, processID)
		}
		if !current.IsAssignedTo(actorID) {
			return errorf(KindNotAssignee, "only the assignee of stage %q may complete it", current.Name)
		}

		now := e.timestamp()
		if err := tx.CompleteStage(ctx, current.ID, now); err != nil {
			return fmt.Errorf("complete stage %s: %w", current.ID, err)
		}
		current.Status = models.StageStatusCompleted
		current.CompletedAt = &now
		events = append(events, notify.StageChanged(notify.ChangeUpdate, current.StageInstance))

		if idx+1 < len(ordered) {
			next := ordered[idx+1]
			if err := tx.StartStage(ctx, next.ID, now); err != nil {
				return fmt.Errorf("start stage %s: %w", next.ID, err)
			}
			next.Status = models.StageStatusInProgress
			next.StartedAt = &now
			events = append(events, notify.StageChanged(notify.ChangeUpdate, next.StageInstance))
		} else {
			if err := tx.CompleteProcess(ctx, process.ID); err != nil {
				return fmt.Errorf("complete process %s: %w", process.ID, err)
			}
			process.Status = models.ProcessStatusCompleted
			events = append(events, notify.ProcessChanged(notify.ChangeUpdate, process))
			finished = true
		}
		completed = current

		return tx.AppendAudit(ctx, &models.AuditEntry{
			ID:        e.newID(),
			ProcessID: process.ID,
			Action:    "stage completed",
			Actor:     actorID,
			At:        now,
		})
	})
	if err != nil {
		return classify("advance current stage", err)
	}

	e.publish(ctx, events...)
	e.logger.Info("stage completed",
		"process_id", processID,
		"stage_instance_id", completed.ID,
		"stage", completed.Name,
		"process_completed", finished,
	)
	return nil
}

// DeriveCurrentStage returns the process's current stage, recomputed from
// the ledger on every call.
func (e *Engine) DeriveCurrentStage(ctx context.Context, processID string) (current *models.StageInstance, err error) {
	ctx, end := e.tel.start(ctx, "DeriveCurrentStage", attribute.String("process.id", processID))
	defer func() { end(err) }()

	process, err := e.repo.GetProcess(ctx, processID)
	if err != nil {
		return nil, classify("get process", err)
	}
	ordered, err := loadLedger(ctx, e.repo, process)
	if err != nil {
		return nil, classify("load stages", err)
	}
	cur := currentOf(ordered)
	if cur == nil {
		return nil, errorf(KindNoActiveStage, "process %s has no stages", processID)
	}
	return cur.StageInstance, nil
}
