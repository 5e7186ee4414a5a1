// Package models defines the domain models for the stageflow service
package models

import (
	"time"
)

// ProcessStatus represents the lifecycle state of a process
type ProcessStatus string

const (
	ProcessStatusInProgress ProcessStatus = "in_progress"
	ProcessStatusCompleted  ProcessStatus = "completed"
)

// StageStatus represents the lifecycle state of a stage instance
type StageStatus string

const (
	StageStatusPending    StageStatus = "pending"
	StageStatusInProgress StageStatus = "in_progress"
	StageStatusCompleted  StageStatus = "completed"
)

// rank orders stage statuses along the only permitted transition path.
func (s StageStatus) rank() int {
	switch s {
	case StageStatusPending:
		return 0
	case StageStatusInProgress:
		return 1
	case StageStatusCompleted:
		return 2
	default:
		return -1
	}
}

// CanTransitionTo reports whether a stage may move from s to next.
// Only pending -> in_progress -> completed is allowed, one step at a time.
func (s StageStatus) CanTransitionTo(next StageStatus) bool {
	from, to := s.rank(), next.rank()
	return from >= 0 && to == from+1
}

// Process is a running instance of a template
type Process struct {
	ID         string        `json:"id" db:"id"`
	TemplateID string        `json:"template_id" db:"template_id"`
	Status     ProcessStatus `json:"status" db:"status"`
	CreatedBy  string        `json:"created_by" db:"created_by"`
	CreatedAt  time.Time     `json:"created_at" db:"created_at"`
}

// StageInstance is the per-process, mutable realization of one stage definition.
// Order is deliberately absent: it is always resolved through the definition.
type StageInstance struct {
	ID                string      `json:"id" db:"id"`
	ProcessID         string      `json:"process_id" db:"process_id"`
	StageDefinitionID string      `json:"stage_definition_id" db:"stage_definition_id"`
	Assignee          *string     `json:"assignee,omitempty" db:"assignee"`
	Status            StageStatus `json:"status" db:"status"`
	StartedAt         *time.Time  `json:"started_at,omitempty" db:"started_at"`
	CompletedAt       *time.Time  `json:"completed_at,omitempty" db:"completed_at"`
}

// IsAssignedTo reports whether userID is the instance's assignee.
func (s *StageInstance) IsAssignedTo(userID string) bool {
	return s.Assignee != nil && userID != "" && *s.Assignee == userID
}

// OrderedStage pairs an instance with its resolved definition for display
type OrderedStage struct {
	*StageInstance
	Order       int    `json:"order"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Message is an append-only note posted against a stage instance
type Message struct {
	ID              string    `json:"id" db:"id"`
	StageInstanceID string    `json:"stage_instance_id" db:"stage_instance_id"`
	Author          string    `json:"author" db:"author"`
	Body            string    `json:"body" db:"body"`
	SentAt          time.Time `json:"sent_at" db:"sent_at"`
}

// Document is append-only metadata for a blob stored against a stage instance
type Document struct {
	ID              string    `json:"id" db:"id"`
	StageInstanceID string    `json:"stage_instance_id" db:"stage_instance_id"`
	Filename        string    `json:"filename" db:"filename"`
	StoragePath     string    `json:"storage_path" db:"storage_path"`
	UploadedBy      string    `json:"uploaded_by" db:"uploaded_by"`
	UploadedAt      time.Time `json:"uploaded_at" db:"uploaded_at"`
}

// AuditEntry records one lifecycle action performed on a process
type AuditEntry struct {
	ID        string    `json:"id" db:"id"`
	ProcessID string    `json:"process_id" db:"process_id"`
	Action    string    `json:"action" db:"action"`
	Actor     string    `json:"actor" db:"actor"`
	At        time.Time `json:"at" db:"at"`
}

// HealthStatus represents service health
type HealthStatus struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// ProblemDetails represents RFC 7807 Problem Details
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	Kind     string `json:"kind,omitempty"`
}
