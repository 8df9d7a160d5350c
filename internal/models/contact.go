package models

import (
	"time"

	"github.com/google/uuid"
)

// Contact is a dial target. Email and Info are optional free-form fields
// passed to the agent as call variables.
type Contact struct {
	ID          uuid.UUID `json:"id" db:"id"`
	UserID      uuid.UUID `json:"user_id" db:"user_id"`
	Name        string    `json:"name" db:"name"`
	PhoneNumber string    `json:"phone_number" db:"phone_number"`
	Email       *string   `json:"email,omitempty" db:"email"`
	Info        *string   `json:"info,omitempty" db:"info"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Agent is a configured voice assistant. Only the fields the dispatcher
// needs are modeled here; agent CRUD lives outside this service.
type Agent struct {
	ID        uuid.UUID `json:"id" db:"id"`
	UserID    uuid.UUID `json:"user_id" db:"user_id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
