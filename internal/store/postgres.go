package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/partypix/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Sessions ---

const sessionColumns = `id, user_id, name, description, is_active, created_at`

func scanSession(row pgx.Row) (*models.Session, error) {
	var ss models.Session
	if err := row.Scan(&ss.ID, &ss.UserID, &ss.Name, &ss.Description, &ss.IsActive, &ss.CreatedAt); err != nil {
		return nil, err
	}
	return &ss, nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, session *models.Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, user_id, name, description, is_active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		session.ID, session.UserID, session.Name, session.Description, session.IsActive, session.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	ss, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return ss, nil
}

func (s *PostgresStore) ListUserSessions(ctx context.Context, userID uuid.UUID, activeOnly bool) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE user_id = $1`
	if activeOnly {
		query += ` AND is_active`
	}
	query += ` ORDER BY created_at DESC`
	return s.querySessions(ctx, "list user sessions", query, userID)
}

func (s *PostgresStore) ListActiveSessions(ctx context.Context) ([]*models.Session, error) {
	return s.querySessions(ctx, "list active sessions",
		`SELECT `+sessionColumns+` FROM sessions WHERE is_active ORDER BY created_at DESC`)
}

func (s *PostgresStore) querySessions(ctx context.Context, op, query string, args ...any) ([]*models.Session, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	sessions := []*models.Session{}
	for rows.Next() {
		ss, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, ss)
	}
	return sessions, rows.Err()
}

func (s *PostgresStore) UpdateSession(ctx context.Context, id uuid.UUID, upd SessionUpdate) (*models.Session, error) {
	if upd.Empty() {
		return s.GetSession(ctx, id)
	}

	sets := []string{}
	args := []any{id}
	argIdx := 2

	if upd.Name != nil {
		sets = append(sets, fmt.Sprintf("name = $%d", argIdx))
		args = append(args, *upd.Name)
		argIdx++
	}
	if upd.Description != nil {
		sets = append(sets, fmt.Sprintf("description = $%d", argIdx))
		args = append(args, *upd.Description)
		argIdx++
	}
	if upd.IsActive != nil {
		sets = append(sets, fmt.Sprintf("is_active = $%d", argIdx))
		args = append(args, *upd.IsActive)
	}

	query := `UPDATE sessions SET ` + strings.Join(sets, ", ") +
		` WHERE id = $1 RETURNING ` + sessionColumns

	ss, err := scanSession(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}
	return ss, nil
}

// DeleteSession removes the session row. Prompts and images cascade; their
// blobs must be reclaimed by the caller beforehand.
func (s *PostgresStore) DeleteSession(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetSessionStats(ctx context.Context, id uuid.UUID) (*models.SessionStats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM prompts WHERE session_id = $1 GROUP BY status`, id)
	if err != nil {
		return nil, fmt.Errorf("count prompts: %w", err)
	}
	defer rows.Close()

	var stats models.SessionStats
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan prompt count: %w", err)
		}
		switch status {
		case models.PromptStatusPending:
			stats.Pending = n
		case models.PromptStatusProcessing:
			stats.Processing = n
		case models.PromptStatusCompleted:
			stats.Completed = n
		case models.PromptStatusFailed:
			stats.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count prompts: %w", err)
	}

	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM images WHERE session_id = $1`, id,
	).Scan(&stats.Images); err != nil {
		return nil, fmt.Errorf("count images: %w", err)
	}
	return &stats, nil
}

// --- Prompts ---

const promptColumns = `id, session_id, prompt_text, status, created_at, updated_at`

func scanPrompt(row pgx.Row) (*models.Prompt, error) {
	var p models.Prompt
	if err := row.Scan(&p.ID, &p.SessionID, &p.Text, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) CreatePrompt(ctx context.Context, prompt *models.Prompt) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO prompts (id, session_id, prompt_text, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		prompt.ID, prompt.SessionID, prompt.Text, prompt.Status, prompt.CreatedAt, prompt.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		if isForeignKeyError(err) {
			return ErrNotFound
		}
		return fmt.Errorf("create prompt: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPrompt(ctx context.Context, id uuid.UUID) (*models.Prompt, error) {
	p, err := scanPrompt(s.pool.QueryRow(ctx,
		`SELECT `+promptColumns+` FROM prompts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get prompt: %w", err)
	}
	return p, nil
}

// ListSessionPrompts returns a session's prompts oldest first. An empty status
// returns prompts in every status.
func (s *PostgresStore) ListSessionPrompts(ctx context.Context, sessionID uuid.UUID, status string) ([]*models.Prompt, error) {
	query := `SELECT ` + promptColumns + ` FROM prompts WHERE session_id = $1`
	args := []any{sessionID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list session prompts: %w", err)
	}
	defer rows.Close()

	prompts := []*models.Prompt{}
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan prompt: %w", err)
		}
		prompts = append(prompts, p)
	}
	return prompts, rows.Err()
}

// ClaimPrompt moves a prompt from pending to processing in one statement.
// Exactly one of any number of concurrent callers succeeds.
func (s *PostgresStore) ClaimPrompt(ctx context.Context, id uuid.UUID) (*models.Prompt, error) {
	p, err := scanPrompt(s.pool.QueryRow(ctx,
		`UPDATE prompts SET status = $2, updated_at = NOW()
		 WHERE id = $1 AND status = $3
		 RETURNING `+promptColumns,
		id, models.PromptStatusProcessing, models.PromptStatusPending))
	if errors.Is(err, pgx.ErrNoRows) {
		current, err := s.promptStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: status is %s", ErrNotPending, current)
	}
	if err != nil {
		return nil, fmt.Errorf("claim prompt: %w", err)
	}
	return p, nil
}

// UpdatePromptStatus applies status only if the prompt is currently in one of
// its allowed predecessor states.
func (s *PostgresStore) UpdatePromptStatus(ctx context.Context, id uuid.UUID, status string) error {
	from := models.Predecessors(status)
	if len(from) == 0 {
		return fmt.Errorf("%w: nothing transitions to %q", ErrInvalidTransition, status)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE prompts SET status = $2, updated_at = NOW()
		 WHERE id = $1 AND status = ANY($3)`, id, status, from)
	if err != nil {
		return fmt.Errorf("update prompt status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	current, err := s.promptStatus(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
}

func (s *PostgresStore) promptStatus(ctx context.Context, id uuid.UUID) (string, error) {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM prompts WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get prompt status: %w", err)
	}
	return status, nil
}

func (s *PostgresStore) DeletePrompt(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM prompts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete prompt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Images ---

const imageColumns = `id, session_id, prompt_id, storage_path, created_at`

func scanImage(row pgx.Row) (*models.Image, error) {
	var img models.Image
	if err := row.Scan(&img.ID, &img.SessionID, &img.PromptID, &img.StoragePath, &img.CreatedAt); err != nil {
		return nil, err
	}
	return &img, nil
}

func (s *PostgresStore) CreateImage(ctx context.Context, img *models.Image) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO images (id, session_id, prompt_id, storage_path, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		img.ID, img.SessionID, img.PromptID, img.StoragePath, img.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		if isForeignKeyError(err) {
			return ErrNotFound
		}
		return fmt.Errorf("create image: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetImage(ctx context.Context, id uuid.UUID) (*models.Image, error) {
	img, err := scanImage(s.pool.QueryRow(ctx,
		`SELECT `+imageColumns+` FROM images WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get image: %w", err)
	}
	return img, nil
}

// ListSessionImages returns a session's images newest first.
func (s *PostgresStore) ListSessionImages(ctx context.Context, sessionID uuid.UUID) ([]*models.Image, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+imageColumns+` FROM images WHERE session_id = $1
		 ORDER BY created_at DESC, id DESC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session images: %w", err)
	}
	defer rows.Close()

	images := []*models.Image{}
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

func (s *PostgresStore) DeleteImage(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM images WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete image: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- API Keys ---

// UpsertAPIKey stores the key, replacing any existing key for the same
// user and service. ID and timestamps are filled from the stored row.
func (s *PostgresStore) UpsertAPIKey(ctx context.Context, key *models.APIKey) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO api_keys (id, user_id, service_name, key_value, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, NOW(), NOW())
		 ON CONFLICT (user_id, service_name) DO UPDATE SET
		   key_value = EXCLUDED.key_value,
		   updated_at = NOW()
		 RETURNING id, created_at, updated_at`,
		key.ID, key.UserID, key.ServiceName, key.KeyValue,
	).Scan(&key.ID, &key.CreatedAt, &key.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAPIKey(ctx context.Context, userID uuid.UUID, service string) (*models.APIKey, error) {
	var k models.APIKey
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, service_name, key_value, created_at, updated_at
		 FROM api_keys WHERE user_id = $1 AND service_name = $2`, userID, service,
	).Scan(&k.ID, &k.UserID, &k.ServiceName, &k.KeyValue, &k.CreatedAt, &k.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return &k, nil
}

// ListAPIKeys never selects key_value.
func (s *PostgresStore) ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKeySummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, service_name, created_at, updated_at
		 FROM api_keys WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	keys := []*models.APIKeySummary{}
	for rows.Next() {
		var k models.APIKeySummary
		if err := rows.Scan(&k.ID, &k.UserID, &k.ServiceName, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) DeleteAPIKey(ctx context.Context, userID uuid.UUID, service string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM api_keys WHERE user_id = $1 AND service_name = $2`, userID, service)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

func isForeignKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503" // foreign_key_violation
	}
	return false
}

var _ Store = (*PostgresStore)(nil)
