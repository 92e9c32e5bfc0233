// Package credentials resolves session liveness and per-host provider
// credentials, and manages how those credentials are stored.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/partypix/internal/store"
	"github.com/kiranshivaraju/partypix/pkg/models"
)

var (
	ErrUnknownService = errors.New("unknown service name")
	ErrEmptyKey       = errors.New("api key value is empty")
)

// Resolver answers "is this session live" and "which key does this host
// have for this service". Every call reads the store; nothing is cached.
type Resolver struct {
	store  store.Store
	cipher *Cipher
}

func NewResolver(s store.Store, c *Cipher) *Resolver {
	return &Resolver{store: s, cipher: c}
}

// SessionActive reports whether the session exists and is active. An absent
// session is reported as inactive, not as an error.
func (r *Resolver) SessionActive(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	ss, err := r.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check session: %w", err)
	}
	return ss.IsActive, nil
}

// CredentialFor returns the host's plaintext key for service. The bool is
// false when no key is stored.
func (r *Resolver) CredentialFor(ctx context.Context, userID uuid.UUID, service string) (string, bool, error) {
	k, err := r.store.GetAPIKey(ctx, userID, service)
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get credential: %w", err)
	}
	value, err := r.cipher.Open(k.KeyValue)
	if err != nil {
		return "", false, fmt.Errorf("open credential for %s: %w", service, err)
	}
	return value, true, nil
}

// HasCredential reports whether the host has a key for service.
func (r *Resolver) HasCredential(ctx context.Context, userID uuid.UUID, service string) (bool, error) {
	_, err := r.store.GetAPIKey(ctx, userID, service)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get credential: %w", err)
	}
	return true, nil
}

// SaveCredential stores or replaces the host's key for service.
func (r *Resolver) SaveCredential(ctx context.Context, userID uuid.UUID, service, value string) (*models.APIKeySummary, error) {
	if !models.KnownService(service) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownService, service)
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, ErrEmptyKey
	}

	sealed, err := r.cipher.Seal(value)
	if err != nil {
		return nil, err
	}
	k := &models.APIKey{
		ID:          uuid.New(),
		UserID:      userID,
		ServiceName: service,
		KeyValue:    sealed,
	}
	if err := r.store.UpsertAPIKey(ctx, k); err != nil {
		return nil, fmt.Errorf("save credential: %w", err)
	}
	return &models.APIKeySummary{
		ID:          k.ID,
		UserID:      k.UserID,
		ServiceName: k.ServiceName,
		CreatedAt:   k.CreatedAt,
		UpdatedAt:   k.UpdatedAt,
	}, nil
}

// ListCredentials returns the host's keys without their values.
func (r *Resolver) ListCredentials(ctx context.Context, userID uuid.UUID) ([]*models.APIKeySummary, error) {
	keys, err := r.store.ListAPIKeys(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return keys, nil
}

// CredentialsFor reports, per requested service, whether the host has a key.
func (r *Resolver) CredentialsFor(ctx context.Context, userID uuid.UUID, services []string) (map[string]bool, error) {
	keys, err := r.ListCredentials(ctx, userID)
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(keys))
	for _, k := range keys {
		have[k.ServiceName] = true
	}
	out := make(map[string]bool, len(services))
	for _, s := range services {
		out[s] = have[s]
	}
	return out, nil
}

// DeleteCredential removes the host's key for service.
func (r *Resolver) DeleteCredential(ctx context.Context, userID uuid.UUID, service string) error {
	if err := r.store.DeleteAPIKey(ctx, userID, service); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return err
		}
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}
