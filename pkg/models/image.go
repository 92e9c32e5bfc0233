package models

import (
	"time"

	"github.com/google/uuid"
)

// Image is a stored generation result. StoragePath is relative to the
// storage bucket; PublicURL is derived on read and never persisted.
type Image struct {
	ID          uuid.UUID  `db:"id"           json:"id"`
	SessionID   uuid.UUID  `db:"session_id"   json:"session_id"`
	PromptID    *uuid.UUID `db:"prompt_id"    json:"prompt_id,omitempty"`
	StoragePath string     `db:"storage_path" json:"storage_path"`
	PublicURL   string     `db:"-"            json:"public_url,omitempty"`
	CreatedAt   time.Time  `db:"created_at"   json:"created_at"`
}
