package models

import (
	"time"

	"github.com/google/uuid"
)

// Provider service names. Each has a registered image provider.
const (
	ServiceOpenAI      = "openai"
	ServiceStabilityAI = "stability_ai"
)

// ServiceNames lists every service a host may store a credential for. A key
// for any other service could never be used, so it is refused.
var ServiceNames = []string{
	ServiceOpenAI,
	ServiceStabilityAI,
}

// KnownService reports whether name is one of ServiceNames.
func KnownService(name string) bool {
	for _, s := range ServiceNames {
		if s == name {
			return true
		}
	}
	return false
}

// APIKey is a host's credential for one provider service. KeyValue holds the
// sealed secret and must never leave the credential resolver.
type APIKey struct {
	ID          uuid.UUID `db:"id"           json:"id"`
	UserID      uuid.UUID `db:"user_id"      json:"user_id"`
	ServiceName string    `db:"service_name" json:"service_name"`
	KeyValue    []byte    `db:"key_value"    json:"-"`
	CreatedAt   time.Time `db:"created_at"   json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"   json:"updated_at"`
}

// APIKeySummary is the listing shape of a credential. It has no secret field.
type APIKeySummary struct {
	ID          uuid.UUID `json:"id"`
	UserID      uuid.UUID `json:"user_id"`
	ServiceName string    `json:"service_name"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
