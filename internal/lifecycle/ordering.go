package lifecycle

import (
	"context"
	"fmt"
	"sort"

	"stageflow/backend/internal/repository"
	"stageflow/backend/pkg/models"
)

// OrderStages joins instances with their definitions and sorts them by the
// definition's order. Order lives only on the definition, so this join is the
// single place instance order is resolved.
func OrderStages(instances []*models.StageInstance, definitions []*models.StageDefinition) ([]models.OrderedStage, error) {
	byID := make(map[string]*models.StageDefinition, len(definitions))
	for _, d := range definitions {
		byID[d.ID] = d
	}
	ordered := make([]models.OrderedStage, 0, len(instances))
	for _, si := range instances {
		def, ok := byID[si.StageDefinitionID]
		if !ok {
			return nil, fmt.Errorf("stage instance %s references unknown definition %s", si.ID, si.StageDefinitionID)
		}
		ordered = append(ordered, models.OrderedStage{
			StageInstance: si,
			Order:         def.Order,
			Name:          def.Name,
			Description:   def.Description,
		})
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })
	return ordered, nil
}

// CurrentStage returns the lowest-order instance that is not completed, or the
// highest-order instance when all are completed. It returns nil for a process
// without instances.
func CurrentStage(instances []*models.StageInstance, definitions []*models.StageDefinition) (*models.StageInstance, error) {
	ordered, err := OrderStages(instances, definitions)
	if err != nil {
		return nil, err
	}
	if cur := currentOf(ordered); cur != nil {
		return cur.StageInstance, nil
	}
	return nil, nil
}

func currentOf(ordered []models.OrderedStage) *models.OrderedStage {
	if len(ordered) == 0 {
		return nil
	}
	if active := activeOf(ordered); active >= 0 {
		return &ordered[active]
	}
	return &ordered[len(ordered)-1]
}

// activeOf returns the index of the lowest-order non-completed stage, or -1.
func activeOf(ordered []models.OrderedStage) int {
	for i := range ordered {
		if ordered[i].Status != models.StageStatusCompleted {
			return i
		}
	}
	return -1
}

// loadLedger reads a process's instances in order through s.
func loadLedger(ctx context.Context, s repository.Store, p *models.Process) ([]models.OrderedStage, error) {
	defs, err := s.ListStageDefinitions(ctx, p.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("list stage definitions: %w", err)
	}
	instances, err := s.ListStageInstances(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("list stage instances: %w", err)
	}
	return OrderStages(instances, defs)
}
