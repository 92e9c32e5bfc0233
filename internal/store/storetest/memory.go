// Package storetest provides an in-memory store.Store for tests. It emits the
// same change events as the Postgres trigger when given a publisher.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/partypix/internal/realtime"
	"github.com/kiranshivaraju/partypix/internal/store"
	"github.com/kiranshivaraju/partypix/pkg/models"
)

// Publisher receives a change after every write.
type Publisher interface {
	Publish(c realtime.Change)
}

// MemoryStore is a concurrency-safe in-memory store.Store.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*models.Session
	prompts  map[uuid.UUID]*models.Prompt
	images   map[uuid.UUID]*models.Image
	keys     map[string]*models.APIKey
	pub      Publisher

	// Hooks for fault injection. Each runs with the store unlocked.
	CreateImageErr  error
	GetAPIKeyErr    error
	ListPromptsErr  error
	UpdateStatusErr error
}

// New returns an empty store. pub may be nil.
func New(pub Publisher) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[uuid.UUID]*models.Session),
		prompts:  make(map[uuid.UUID]*models.Prompt),
		images:   make(map[uuid.UUID]*models.Image),
		keys:     make(map[string]*models.APIKey),
		pub:      pub,
	}
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

func (m *MemoryStore) emit(table string, typ realtime.EventType, v any) {
	if m.pub == nil {
		return
	}
	b, _ := json.Marshal(v)
	var rec map[string]any
	_ = json.Unmarshal(b, &rec)
	m.pub.Publish(realtime.Change{Table: table, Type: typ, Record: rec})
}

// --- Sessions ---

func (m *MemoryStore) CreateSession(_ context.Context, session *models.Session) error {
	m.mu.Lock()
	if _, ok := m.sessions[session.ID]; ok {
		m.mu.Unlock()
		return store.ErrDuplicateKey
	}
	cp := *session
	m.sessions[session.ID] = &cp
	m.mu.Unlock()

	m.emit("sessions", realtime.EventInsert, cp)
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id uuid.UUID) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ss, ok := m.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *ss
	return &cp, nil
}

func (m *MemoryStore) ListUserSessions(_ context.Context, userID uuid.UUID, activeOnly bool) ([]*models.Session, error) {
	return m.listSessions(func(ss *models.Session) bool {
		return ss.UserID != nil && *ss.UserID == userID && (!activeOnly || ss.IsActive)
	}), nil
}

func (m *MemoryStore) ListActiveSessions(_ context.Context) ([]*models.Session, error) {
	return m.listSessions(func(ss *models.Session) bool { return ss.IsActive }), nil
}

func (m *MemoryStore) listSessions(keep func(*models.Session) bool) []*models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*models.Session{}
	for _, ss := range m.sessions {
		if keep(ss) {
			cp := *ss
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (m *MemoryStore) UpdateSession(_ context.Context, id uuid.UUID, upd store.SessionUpdate) (*models.Session, error) {
	m.mu.Lock()
	ss, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil, store.ErrNotFound
	}
	if upd.Name != nil {
		ss.Name = upd.Name
	}
	if upd.Description != nil {
		ss.Description = upd.Description
	}
	if upd.IsActive != nil {
		ss.IsActive = *upd.IsActive
	}
	cp := *ss
	m.mu.Unlock()

	if !upd.Empty() {
		m.emit("sessions", realtime.EventUpdate, cp)
	}
	return &cp, nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	ss, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return store.ErrNotFound
	}
	delete(m.sessions, id)
	var removedPrompts []models.Prompt
	for pid, p := range m.prompts {
		if p.SessionID == id {
			removedPrompts = append(removedPrompts, *p)
			delete(m.prompts, pid)
		}
	}
	var removedImages []models.Image
	for iid, img := range m.images {
		if img.SessionID == id {
			removedImages = append(removedImages, *img)
			delete(m.images, iid)
		}
	}
	m.mu.Unlock()

	for _, img := range removedImages {
		m.emit("images", realtime.EventDelete, img)
	}
	for _, p := range removedPrompts {
		m.emit("prompts", realtime.EventDelete, p)
	}
	m.emit("sessions", realtime.EventDelete, *ss)
	return nil
}

func (m *MemoryStore) GetSessionStats(_ context.Context, id uuid.UUID) (*models.SessionStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stats models.SessionStats
	for _, p := range m.prompts {
		if p.SessionID != id {
			continue
		}
		switch p.Status {
		case models.PromptStatusPending:
			stats.Pending++
		case models.PromptStatusProcessing:
			stats.Processing++
		case models.PromptStatusCompleted:
			stats.Completed++
		case models.PromptStatusFailed:
			stats.Failed++
		}
	}
	for _, img := range m.images {
		if img.SessionID == id {
			stats.Images++
		}
	}
	return &stats, nil
}

// --- Prompts ---

func (m *MemoryStore) CreatePrompt(_ context.Context, prompt *models.Prompt) error {
	m.mu.Lock()
	if _, ok := m.sessions[prompt.SessionID]; !ok {
		m.mu.Unlock()
		return store.ErrNotFound
	}
	if _, ok := m.prompts[prompt.ID]; ok {
		m.mu.Unlock()
		return store.ErrDuplicateKey
	}
	cp := *prompt
	m.prompts[prompt.ID] = &cp
	m.mu.Unlock()

	m.emit("prompts", realtime.EventInsert, cp)
	return nil
}

func (m *MemoryStore) GetPrompt(_ context.Context, id uuid.UUID) (*models.Prompt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prompts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListSessionPrompts(_ context.Context, sessionID uuid.UUID, status string) ([]*models.Prompt, error) {
	if m.ListPromptsErr != nil {
		return nil, m.ListPromptsErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*models.Prompt{}
	for _, p := range m.prompts {
		if p.SessionID == sessionID && (status == "" || p.Status == status) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) ClaimPrompt(_ context.Context, id uuid.UUID) (*models.Prompt, error) {
	m.mu.Lock()
	p, ok := m.prompts[id]
	if !ok {
		m.mu.Unlock()
		return nil, store.ErrNotFound
	}
	if p.Status != models.PromptStatusPending {
		status := p.Status
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: status is %s", store.ErrNotPending, status)
	}
	p.Status = models.PromptStatusProcessing
	p.UpdatedAt = time.Now().UTC()
	cp := *p
	m.mu.Unlock()

	m.emit("prompts", realtime.EventUpdate, cp)
	return &cp, nil
}

func (m *MemoryStore) UpdatePromptStatus(_ context.Context, id uuid.UUID, status string) error {
	if m.UpdateStatusErr != nil {
		return m.UpdateStatusErr
	}
	m.mu.Lock()
	p, ok := m.prompts[id]
	if !ok {
		m.mu.Unlock()
		return store.ErrNotFound
	}
	if !models.CanTransition(p.Status, status) {
		from := p.Status
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, from, status)
	}
	p.Status = status
	p.UpdatedAt = time.Now().UTC()
	cp := *p
	m.mu.Unlock()

	m.emit("prompts", realtime.EventUpdate, cp)
	return nil
}

func (m *MemoryStore) DeletePrompt(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	p, ok := m.prompts[id]
	if !ok {
		m.mu.Unlock()
		return store.ErrNotFound
	}
	delete(m.prompts, id)
	for _, img := range m.images {
		if img.PromptID != nil && *img.PromptID == id {
			img.PromptID = nil
		}
	}
	cp := *p
	m.mu.Unlock()

	m.emit("prompts", realtime.EventDelete, cp)
	return nil
}

// --- Images ---

func (m *MemoryStore) CreateImage(_ context.Context, img *models.Image) error {
	if m.CreateImageErr != nil {
		return m.CreateImageErr
	}
	m.mu.Lock()
	if _, ok := m.sessions[img.SessionID]; !ok {
		m.mu.Unlock()
		return store.ErrNotFound
	}
	cp := *img
	m.images[img.ID] = &cp
	m.mu.Unlock()

	m.emit("images", realtime.EventInsert, cp)
	return nil
}

func (m *MemoryStore) GetImage(_ context.Context, id uuid.UUID) (*models.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.images[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *img
	return &cp, nil
}

func (m *MemoryStore) ListSessionImages(_ context.Context, sessionID uuid.UUID) ([]*models.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*models.Image{}
	for _, img := range m.images {
		if img.SessionID == sessionID {
			cp := *img
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) DeleteImage(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	img, ok := m.images[id]
	if !ok {
		m.mu.Unlock()
		return store.ErrNotFound
	}
	delete(m.images, id)
	cp := *img
	m.mu.Unlock()

	m.emit("images", realtime.EventDelete, cp)
	return nil
}

// --- API Keys ---

func keyOf(userID uuid.UUID, service string) string {
	return userID.String() + "/" + service
}

func (m *MemoryStore) UpsertAPIKey(_ context.Context, key *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	k := keyOf(key.UserID, key.ServiceName)
	if existing, ok := m.keys[k]; ok {
		existing.KeyValue = append([]byte(nil), key.KeyValue...)
		existing.UpdatedAt = now
		key.ID, key.CreatedAt, key.UpdatedAt = existing.ID, existing.CreatedAt, now
		return nil
	}
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	key.CreatedAt, key.UpdatedAt = now, now
	cp := *key
	cp.KeyValue = append([]byte(nil), key.KeyValue...)
	m.keys[k] = &cp
	return nil
}

func (m *MemoryStore) GetAPIKey(_ context.Context, userID uuid.UUID, service string) (*models.APIKey, error) {
	if m.GetAPIKeyErr != nil {
		return nil, m.GetAPIKeyErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[keyOf(userID, service)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (m *MemoryStore) ListAPIKeys(_ context.Context, userID uuid.UUID) ([]*models.APIKeySummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*models.APIKeySummary{}
	for _, k := range m.keys {
		if k.UserID == userID {
			out = append(out, &models.APIKeySummary{
				ID:          k.ID,
				UserID:      k.UserID,
				ServiceName: k.ServiceName,
				CreatedAt:   k.CreatedAt,
				UpdatedAt:   k.UpdatedAt,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) DeleteAPIKey(_ context.Context, userID uuid.UUID, service string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := keyOf(userID, service)
	if _, ok := m.keys[k]; !ok {
		return store.ErrNotFound
	}
	delete(m.keys, k)
	return nil
}

// Prompts returns a copy of every stored prompt, for assertions.
func (m *MemoryStore) Prompts() []models.Prompt {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Prompt, 0, len(m.prompts))
	for _, p := range m.prompts {
		out = append(out, *p)
	}
	return out
}

var _ store.Store = (*MemoryStore)(nil)
