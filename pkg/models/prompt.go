package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	PromptStatusPending    = "pending"
	PromptStatusProcessing = "processing"
	PromptStatusCompleted  = "completed"
	PromptStatusFailed     = "failed"
)

// MaxPromptLength is the upper bound on prompt text, counted in runes.
const MaxPromptLength = 500

// Prompt is a guest's free-text image request within a session.
// Status only moves pending -> processing -> completed|failed.
type Prompt struct {
	ID        uuid.UUID `db:"id"          json:"id"`
	SessionID uuid.UUID `db:"session_id"  json:"session_id"`
	Text      string    `db:"prompt_text" json:"prompt_text"`
	Status    string    `db:"status"      json:"status"`
	CreatedAt time.Time `db:"created_at"  json:"created_at"`
	UpdatedAt time.Time `db:"updated_at"  json:"updated_at"`
}

var promptTransitions = map[string][]string{
	PromptStatusPending:    {PromptStatusProcessing},
	PromptStatusProcessing: {PromptStatusCompleted, PromptStatusFailed},
}

// CanTransition reports whether a prompt may move from one status to another.
func CanTransition(from, to string) bool {
	for _, s := range promptTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Predecessors returns the statuses a prompt may be in immediately before
// entering status to.
func Predecessors(to string) []string {
	var out []string
	for from, next := range promptTransitions {
		for _, s := range next {
			if s == to {
				out = append(out, from)
			}
		}
	}
	return out
}

// IsTerminal reports whether status is completed or failed.
func IsTerminal(status string) bool {
	return status == PromptStatusCompleted || status == PromptStatusFailed
}

// ValidPromptStatus reports whether status is one of the four prompt statuses.
func ValidPromptStatus(status string) bool {
	switch status {
	case PromptStatusPending, PromptStatusProcessing, PromptStatusCompleted, PromptStatusFailed:
		return true
	}
	return false
}
