package repository

import (
	"context"
	"errors"
	"time"

	"stageflow/backend/pkg/models"
)

var (
	// ErrNotFound is returned when a row addressed by id does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write collides with an existing row.
	ErrConflict = errors.New("conflict")
	// ErrStaleState is returned when a guarded transition finds the row in an
	// unexpected state, i.e. another writer got there first.
	ErrStaleState = errors.New("stale state")
)

// ProcessFilter narrows ListProcesses.
type ProcessFilter struct {
	// InvolvingUser keeps processes created by the user or with any stage
	// instance assigned to the user. Empty means no filtering.
	InvolvingUser string
}

// UserStore persists the internal identities subjects map to.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserBySubject(ctx context.Context, subject string) (*models.User, error)
	CreateUser(ctx context.Context, user *models.User) error
	ListUsers(ctx context.Context) ([]*models.User, error)
}

// TemplateStore persists templates together with their stage definitions.
type TemplateStore interface {
	// CreateTemplate inserts the template and all of template.Stages.
	CreateTemplate(ctx context.Context, template *models.Template) error
	// GetTemplate returns the template with Stages ordered ascending and
	// ProcessCount set.
	GetTemplate(ctx context.Context, id string) (*models.Template, error)
	// ListTemplates returns all templates ordered by name, with Stages and
	// ProcessCount.
	ListTemplates(ctx context.Context) ([]*models.Template, error)
	ListStageDefinitions(ctx context.Context, templateID string) ([]*models.StageDefinition, error)
}

// ProcessStore persists process rows.
type ProcessStore interface {
	CreateProcess(ctx context.Context, process *models.Process) error
	GetProcess(ctx context.Context, id string) (*models.Process, error)
	// LockProcess reads the process and holds a row lock until the enclosing
	// transaction ends. Outside a transaction it behaves like GetProcess.
	LockProcess(ctx context.Context, id string) (*models.Process, error)
	// CompleteProcess moves an in-progress process to completed.
	CompleteProcess(ctx context.Context, id string) error
	// ListProcesses returns processes newest first.
	ListProcesses(ctx context.Context, filter ProcessFilter) ([]*models.Process, error)
}

// LedgerStore persists stage instances. Status changes go through guarded
// transitions so a writer working from a stale read fails with ErrStaleState.
type LedgerStore interface {
	CreateStageInstances(ctx context.Context, instances []*models.StageInstance) error
	GetStageInstance(ctx context.Context, id string) (*models.StageInstance, error)
	ListStageInstances(ctx context.Context, processID string) ([]*models.StageInstance, error)
	// StartStage moves a pending instance to in_progress.
	StartStage(ctx context.Context, id string, at time.Time) error
	// CompleteStage moves an in_progress instance to completed.
	CompleteStage(ctx context.Context, id string, at time.Time) error
	SetAssignee(ctx context.Context, id string, assignee *string) error
}

// CollaborationStore persists the append-only messages and documents of a stage instance.
type CollaborationStore interface {
	CreateMessage(ctx context.Context, message *models.Message) error
	ListMessages(ctx context.Context, stageInstanceID string) ([]*models.Message, error)
	CreateDocument(ctx context.Context, document *models.Document) error
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	ListDocuments(ctx context.Context, stageInstanceID string) ([]*models.Document, error)
}

// AuditStore persists the append-only audit log of a process.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry *models.AuditEntry) error
	ListAudit(ctx context.Context, processID string) ([]*models.AuditEntry, error)
}

// Store is every read and write, usable both inside and outside a transaction.
type Store interface {
	UserStore
	TemplateStore
	ProcessStore
	LedgerStore
	CollaborationStore
	AuditStore
}

// Repository is a Store that can also run a function inside a transaction.
type Repository interface {
	Store
	// InTx runs fn against a transactional Store. The transaction commits when
	// fn returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(tx Store) error) error
	Ping(ctx context.Context) error
}
