// Package models contains shared data models used across the partypix codebase.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Session is a party hosted by a user. Guests may submit prompts only while
// the session is active.
type Session struct {
	ID          uuid.UUID  `db:"id"          json:"id"`
	UserID      *uuid.UUID `db:"user_id"     json:"user_id,omitempty"`
	Name        *string    `db:"name"        json:"name,omitempty"`
	Description *string    `db:"description" json:"description,omitempty"`
	IsActive    bool       `db:"is_active"   json:"is_active"`
	CreatedAt   time.Time  `db:"created_at"  json:"created_at"`
}

// SessionStats counts a session's prompts by status and its stored images.
type SessionStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Images     int `json:"images"`
}

// Total returns the number of prompts across all statuses.
func (s SessionStats) Total() int {
	return s.Pending + s.Processing + s.Completed + s.Failed
}
