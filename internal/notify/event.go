// Package notify fans lifecycle changes out to viewers subscribed per process.
//
// Delivery is best-effort and at-most-once: a slow subscriber loses events
// rather than slowing the publisher, and viewers recover by re-reading the
// process. Publishers only ever emit after the owning transaction commits.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"stageflow/backend/pkg/models"
)

// Entity names the kind of row an event describes.
type Entity string

const (
	EntityStageInstance Entity = "stage_instance"
	EntityProcess       Entity = "process"
)

// ChangeKind names the row operation.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// Event is the wire shape delivered to subscribers.
type Event struct {
	Seq        uint64          `json:"seq"`
	ProcessID  string          `json:"process_id"`
	Entity     Entity          `json:"entity"`
	ChangeKind ChangeKind      `json:"change_kind"`
	Row        json.RawMessage `json:"row"`
	At         time.Time       `json:"at"`
}

// Publisher accepts committed changes. Implementations must not block on
// slow consumers and never report delivery failures to the caller.
type Publisher interface {
	Publish(ctx context.Context, events ...Event)
}

// ProcessChanged builds an event for a process row.
func ProcessChanged(kind ChangeKind, p *models.Process) Event {
	row, _ := json.Marshal(p)
	return Event{ProcessID: p.ID, Entity: EntityProcess, ChangeKind: kind, Row: row}
}

// StageChanged builds an event for a stage instance row.
func StageChanged(kind ChangeKind, si *models.StageInstance) Event {
	row, _ := json.Marshal(si)
	return Event{ProcessID: si.ProcessID, Entity: EntityStageInstance, ChangeKind: kind, Row: row}
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, ...Event) {}
