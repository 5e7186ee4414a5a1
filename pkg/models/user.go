package models

import (
	"time"
)

// User is the internal identity an authenticated subject maps to.
type User struct {
	ID        string    `json:"id"`
	Subject   string    `json:"-"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Role      string    `json:"role,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
