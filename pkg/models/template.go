package models

import (
	"time"
)

// Template is a reusable, ordered definition of a workflow.
type Template struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`

	Stages []*StageDefinition `json:"stages,omitempty"`
	// ProcessCount is how many processes were started from the template.
	// Filled on reads only.
	ProcessCount int `json:"process_count"`
}

// StageDefinition is one named step within a template. Order is 1-based and
// unique within the template.
type StageDefinition struct {
	ID          string `json:"id"`
	TemplateID  string `json:"template_id"`
	Order       int    `json:"order"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}
