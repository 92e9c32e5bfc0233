package party

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/partypix/internal/blob"
	"github.com/kiranshivaraju/partypix/internal/credentials"
	"github.com/kiranshivaraju/partypix/internal/images"
	"github.com/kiranshivaraju/partypix/internal/store"
	"github.com/kiranshivaraju/partypix/internal/store/storetest"
	"github.com/kiranshivaraju/partypix/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	svc    *Service
	store  *storetest.MemoryStore
	images *images.Service
	blobs  *blob.FSStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := storetest.New(nil)
	cipher, err := credentials.NewCipher(base64.StdEncoding.EncodeToString(make([]byte, 32)))
	require.NoError(t, err)
	blobs, err := blob.NewFSStore(t.TempDir(), "party-images")
	require.NoError(t, err)
	imgs := images.NewService(st, blobs, "https://party.example.com", "party-images")
	return &testEnv{
		svc:    NewService(st, credentials.NewResolver(st, cipher), imgs, "https://party.example.com/"),
		store:  st,
		images: imgs,
		blobs:  blobs,
	}
}

func strPtr(s string) *string { return &s }

func TestSubmitPrompt_ActiveSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ss, err := env.svc.CreateSession(ctx, uuid.New(), strPtr("Birthday"), nil)
	require.NoError(t, err)

	p, err := env.svc.SubmitPrompt(ctx, ss.ID, "  a red bicycle  ")
	require.NoError(t, err)
	assert.Equal(t, "a red bicycle", p.Text)
	assert.Equal(t, models.PromptStatusPending, p.Status)
	assert.Equal(t, ss.ID, p.SessionID)

	stored, err := env.store.GetPrompt(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PromptStatusPending, stored.Status)
}

func TestSubmitPrompt_InactiveSessionCreatesNoRow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()
	ss, err := env.svc.CreateSession(ctx, userID, nil, nil)
	require.NoError(t, err)
	_, err = env.svc.EndSession(ctx, userID, ss.ID)
	require.NoError(t, err)

	_, err = env.svc.SubmitPrompt(ctx, ss.ID, "a red bicycle")
	assert.ErrorIs(t, err, ErrSessionInactive)
	assert.Empty(t, env.store.Prompts())
}

func TestSubmitPrompt_MissingSession(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.SubmitPrompt(context.Background(), uuid.New(), "a red bicycle")
	assert.ErrorIs(t, err, ErrSessionInactive)
	assert.Empty(t, env.store.Prompts())
}

func TestSubmitPrompt_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ss, err := env.svc.CreateSession(ctx, uuid.New(), nil, nil)
	require.NoError(t, err)

	tests := []struct {
		name string
		text string
		ok   bool
	}{
		{"empty", "", false},
		{"whitespace", "   \n\t", false},
		{"max runes", strings.Repeat("é", models.MaxPromptLength), true},
		{"too long", strings.Repeat("a", models.MaxPromptLength+1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.SubmitPrompt(ctx, ss.ID, tt.text)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrValidation)
			}
		})
	}
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()

	ss, err := env.svc.CreateSession(ctx, userID, strPtr(" Wedding "), strPtr("table 4"))
	require.NoError(t, err)
	assert.True(t, ss.IsActive)
	assert.Equal(t, "Wedding", *ss.Name)

	renamed, err := env.svc.UpdateSession(ctx, userID, ss.ID, store.SessionUpdate{Name: strPtr("Reception")})
	require.NoError(t, err)
	assert.Equal(t, "Reception", *renamed.Name)
	assert.Equal(t, "table 4", *renamed.Description)

	ended, err := env.svc.EndSession(ctx, userID, ss.ID)
	require.NoError(t, err)
	assert.False(t, ended.IsActive)

	active, err := env.svc.ListSessions(ctx, userID, true)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := env.svc.ListSessions(ctx, userID, false)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestUpdateSession_EmptyUpdate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()
	ss, err := env.svc.CreateSession(ctx, userID, nil, nil)
	require.NoError(t, err)

	_, err = env.svc.UpdateSession(ctx, userID, ss.ID, store.SessionUpdate{})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestOwnership(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner, other := uuid.New(), uuid.New()
	ss, err := env.svc.CreateSession(ctx, owner, nil, nil)
	require.NoError(t, err)

	_, err = env.svc.GetSession(ctx, other, ss.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = env.svc.EndSession(ctx, other, ss.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, env.svc.DeleteSession(ctx, other, ss.ID), ErrNotFound)
	_, err = env.svc.ListPrompts(ctx, other, ss.ID, "")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = env.svc.GetSession(ctx, owner, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListPrompts_FilterAndOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()
	ss, err := env.svc.CreateSession(ctx, userID, nil, nil)
	require.NoError(t, err)

	first, err := env.svc.SubmitPrompt(ctx, ss.ID, "first")
	require.NoError(t, err)
	_, err = env.svc.SubmitPrompt(ctx, ss.ID, "second")
	require.NoError(t, err)
	_, err = env.store.ClaimPrompt(ctx, first.ID)
	require.NoError(t, err)

	all, err := env.svc.ListPrompts(ctx, userID, ss.ID, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "first", all[0].Text)
	assert.Equal(t, "second", all[1].Text)

	pending, err := env.svc.ListPrompts(ctx, userID, ss.ID, models.PromptStatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "second", pending[0].Text)

	_, err = env.svc.ListPrompts(ctx, userID, ss.ID, "done")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSessionStats(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()
	ss, err := env.svc.CreateSession(ctx, userID, nil, nil)
	require.NoError(t, err)
	_, err = env.svc.SubmitPrompt(ctx, ss.ID, "one")
	require.NoError(t, err)
	_, err = env.svc.SubmitPrompt(ctx, ss.ID, "two")
	require.NoError(t, err)

	stats, err := env.svc.SessionStats(ctx, userID, ss.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 2, stats.Total())
}

func TestShareURL(t *testing.T) {
	env := newTestEnv(t)
	id := uuid.MustParse("6f1c2d4e-0000-4000-8000-000000000001")
	assert.Equal(t, "https://party.example.com/submit/6f1c2d4e-0000-4000-8000-000000000001", env.svc.ShareURL(id))
}

func TestDeleteImage_RemovesBlobAndRow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()
	ss, err := env.svc.CreateSession(ctx, userID, nil, nil)
	require.NoError(t, err)

	img, err := env.images.Save(ctx, []byte("png"), images.SaveOptions{UserID: userID, SessionID: ss.ID, ContentType: "image/png"})
	require.NoError(t, err)

	assert.ErrorIs(t, env.svc.DeleteImage(ctx, uuid.New(), img.ID), ErrNotFound)

	require.NoError(t, env.svc.DeleteImage(ctx, userID, img.ID))

	listed, err := env.svc.ListImages(ctx, userID, ss.ID)
	require.NoError(t, err)
	assert.Empty(t, listed)

	_, err = env.blobs.Open(ctx, img.StoragePath)
	assert.True(t, errors.Is(err, blob.ErrNotFound))

	assert.ErrorIs(t, env.svc.DeleteImage(ctx, userID, img.ID), ErrNotFound)
}

func TestDeleteSession_ReclaimsMedia(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := uuid.New()
	ss, err := env.svc.CreateSession(ctx, userID, nil, nil)
	require.NoError(t, err)

	var paths []string
	for i := 0; i < 3; i++ {
		img, err := env.images.Save(ctx, []byte("png"), images.SaveOptions{UserID: userID, SessionID: ss.ID, ContentType: "image/png"})
		require.NoError(t, err)
		paths = append(paths, img.StoragePath)
	}

	require.NoError(t, env.svc.DeleteSession(ctx, userID, ss.ID))

	for _, p := range paths {
		_, err := env.blobs.Open(ctx, p)
		assert.ErrorIs(t, err, blob.ErrNotFound)
	}
	_, err = env.store.GetSession(ctx, ss.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
