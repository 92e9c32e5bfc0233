package dispatch

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/partypix/internal/blob"
	"github.com/kiranshivaraju/partypix/internal/credentials"
	"github.com/kiranshivaraju/partypix/internal/imagegen"
	"github.com/kiranshivaraju/partypix/internal/imagegen/mock"
	"github.com/kiranshivaraju/partypix/internal/images"
	"github.com/kiranshivaraju/partypix/internal/realtime"
	"github.com/kiranshivaraju/partypix/internal/store/storetest"
	"github.com/kiranshivaraju/partypix/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fakes ---

type recordingDispatcher struct {
	mu    sync.Mutex
	calls map[uuid.UUID]int
	claim *storetest.MemoryStore
	err   error
}

func newRecordingDispatcher(claim *storetest.MemoryStore) *recordingDispatcher {
	return &recordingDispatcher{calls: make(map[uuid.UUID]int), claim: claim}
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, promptID uuid.UUID) error {
	d.mu.Lock()
	d.calls[promptID]++
	err := d.err
	d.mu.Unlock()
	if d.claim != nil {
		_, _ = d.claim.ClaimPrompt(ctx, promptID)
	}
	return err
}

func (d *recordingDispatcher) count(id uuid.UUID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[id]
}

func (d *recordingDispatcher) total() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		n += c
	}
	return n
}

// fanout publishes every change to several buses, standing in for separate
// processes listening to the same database.
type fanout []*realtime.MemoryBus

func (f fanout) Publish(c realtime.Change) {
	for _, b := range f {
		b.Publish(c)
	}
}

// stalePending always reports the given prompts as pending, like a fetch
// that started before their status changed.
type stalePending struct {
	*storetest.MemoryStore
	stale []*models.Prompt
}

func (s *stalePending) ListSessionPrompts(_ context.Context, _ uuid.UUID, _ string) ([]*models.Prompt, error) {
	return s.stale, nil
}

// --- helpers ---

func newSession(t *testing.T, st *storetest.MemoryStore) *models.Session {
	t.Helper()
	userID := uuid.New()
	ss := &models.Session{ID: uuid.New(), UserID: &userID, IsActive: true, CreatedAt: time.Now().UTC()}
	require.NoError(t, st.CreateSession(context.Background(), ss))
	return ss
}

func addPrompt(t *testing.T, st *storetest.MemoryStore, sessionID uuid.UUID, text string) *models.Prompt {
	t.Helper()
	now := time.Now().UTC()
	p := &models.Prompt{ID: uuid.New(), SessionID: sessionID, Text: text, Status: models.PromptStatusPending, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, st.CreatePrompt(context.Background(), p))
	return p
}

func runTrigger(t *testing.T, cfg TriggerConfig) context.CancelFunc {
	t.Helper()
	if cfg.MinRefetchInterval == 0 {
		cfg.MinRefetchInterval = 20 * time.Millisecond
	}
	trig, err := NewTrigger(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- trig.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("trigger did not stop")
		}
	})
	return cancel
}

// --- tests ---

func TestNewTrigger_Validation(t *testing.T) {
	_, err := NewTrigger(TriggerConfig{})
	assert.Error(t, err)

	_, err = NewTrigger(TriggerConfig{SessionID: uuid.New()})
	assert.Error(t, err)
}

func TestTrigger_DispatchesExistingPendingPrompts(t *testing.T) {
	bus := realtime.NewMemoryBus()
	st := storetest.New(bus)
	ss := newSession(t, st)
	p1 := addPrompt(t, st, ss.ID, "one")
	p2 := addPrompt(t, st, ss.ID, "two")
	d := newRecordingDispatcher(st)

	runTrigger(t, TriggerConfig{SessionID: ss.ID, Store: st, Bus: bus, Dispatcher: d})

	require.Eventually(t, func() bool { return d.total() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, d.count(p1.ID))
	assert.Equal(t, 1, d.count(p2.ID))
}

func TestTrigger_DispatchesNewInsertsOnce(t *testing.T) {
	bus := realtime.NewMemoryBus()
	st := storetest.New(bus)
	ss := newSession(t, st)
	other := newSession(t, st)
	d := newRecordingDispatcher(nil)

	runTrigger(t, TriggerConfig{SessionID: ss.ID, Store: st, Bus: bus, Dispatcher: d})
	time.Sleep(30 * time.Millisecond)

	var ids []uuid.UUID
	for i := 0; i < 10; i++ {
		ids = append(ids, addPrompt(t, st, ss.ID, "burst").ID)
	}
	addPrompt(t, st, other.ID, "elsewhere")

	require.Eventually(t, func() bool { return d.total() == 10 }, 2*time.Second, 5*time.Millisecond)

	// The next fetch still lists the first ten as pending; only the new one is sent.
	late := addPrompt(t, st, ss.ID, "late")
	require.Eventually(t, func() bool { return d.count(late.ID) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 11, d.total())
	for _, id := range ids {
		assert.Equal(t, 1, d.count(id))
	}
}

func TestTrigger_SkipsPromptNoLongerPending(t *testing.T) {
	bus := realtime.NewMemoryBus()
	st := storetest.New(bus)
	ss := newSession(t, st)
	p := addPrompt(t, st, ss.ID, "already running")
	stale := *p
	_, err := st.ClaimPrompt(context.Background(), p.ID)
	require.NoError(t, err)

	d := newRecordingDispatcher(nil)
	reader := &stalePending{MemoryStore: st, stale: []*models.Prompt{&stale}}
	runTrigger(t, TriggerConfig{SessionID: ss.ID, Store: reader, Bus: bus, Dispatcher: d})

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, d.total())
}

func TestTrigger_SharedGuardAcrossProcesses(t *testing.T) {
	busA, busB := realtime.NewMemoryBus(), realtime.NewMemoryBus()
	st := storetest.New(fanout{busA, busB})
	ss := newSession(t, st)
	d := newRecordingDispatcher(nil)
	guard := NewLocalGuard(time.Minute)

	runTrigger(t, TriggerConfig{SessionID: ss.ID, Store: st, Bus: busA, Dispatcher: d, Guard: guard})
	runTrigger(t, TriggerConfig{SessionID: ss.ID, Store: st, Bus: busB, Dispatcher: d, Guard: guard})
	time.Sleep(30 * time.Millisecond)

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		ids = append(ids, addPrompt(t, st, ss.ID, "guest").ID)
	}

	require.Eventually(t, func() bool { return d.total() >= 5 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 5, d.total())
	for _, id := range ids {
		assert.Equal(t, 1, d.count(id))
	}
}

func TestTrigger_DuplicateChannelOnOneBusFails(t *testing.T) {
	bus := realtime.NewMemoryBus()
	st := storetest.New(bus)
	ss := newSession(t, st)
	d := newRecordingDispatcher(nil)

	runTrigger(t, TriggerConfig{SessionID: ss.ID, Store: st, Bus: bus, Dispatcher: d})

	second, err := NewTrigger(TriggerConfig{SessionID: ss.ID, Store: st, Bus: bus, Dispatcher: d})
	require.NoError(t, err)
	err = second.Run(context.Background())
	assert.ErrorIs(t, err, realtime.ErrChannelInUse)
}

func TestTrigger_DispatchErrorsAreOnlyLogged(t *testing.T) {
	bus := realtime.NewMemoryBus()
	st := storetest.New(bus)
	ss := newSession(t, st)
	d := newRecordingDispatcher(nil)
	d.err = errors.New("endpoint down")

	runTrigger(t, TriggerConfig{SessionID: ss.ID, Store: st, Bus: bus, Dispatcher: d})
	time.Sleep(30 * time.Millisecond)
	p := addPrompt(t, st, ss.ID, "one")

	require.Eventually(t, func() bool { return d.count(p.ID) == 1 }, 2*time.Second, 5*time.Millisecond)
	got, err := st.GetPrompt(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PromptStatusPending, got.Status)
}

func TestTrigger_EndToEndWithGenerator(t *testing.T) {
	bus, busB := realtime.NewMemoryBus(), realtime.NewMemoryBus()
	st := storetest.New(fanout{bus, busB})
	ss := newSession(t, st)

	cipher, err := credentials.NewCipher(base64.StdEncoding.EncodeToString(make([]byte, 32)))
	require.NoError(t, err)
	resolver := credentials.NewResolver(st, cipher)
	_, err = resolver.SaveCredential(context.Background(), *ss.UserID, models.ServiceOpenAI, "sk-test")
	require.NoError(t, err)

	blobs, err := blob.NewFSStore(t.TempDir(), "party-images")
	require.NoError(t, err)
	provider := mock.NewMockProvider(models.ServiceOpenAI)
	reg := &imagegen.Registry{}
	reg.Register(provider)
	gen := imagegen.NewService(st, resolver, images.NewService(st, blobs, "http://localhost", "party-images"), reg, nil, imagegen.Config{})

	// Two triggers with separate guards still generate once per prompt.
	runTrigger(t, TriggerConfig{SessionID: ss.ID, Store: st, Bus: bus, Dispatcher: NewDirectDispatcher(gen, imagegen.GenerateOptions{})})
	runTrigger(t, TriggerConfig{SessionID: ss.ID, Store: st, Bus: busB, Dispatcher: NewDirectDispatcher(gen, imagegen.GenerateOptions{})})
	time.Sleep(30 * time.Millisecond)

	p := addPrompt(t, st, ss.ID, "a red bicycle")

	require.Eventually(t, func() bool {
		got, err := st.GetPrompt(context.Background(), p.ID)
		return err == nil && got.Status == models.PromptStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, provider.Calls())
	imgs, err := st.ListSessionImages(context.Background(), ss.ID)
	require.NoError(t, err)
	assert.Len(t, imgs, 1)
}

func TestLocalGuard(t *testing.T) {
	g := NewLocalGuard(time.Minute)
	now := time.Now()
	g.now = func() time.Time { return now }
	id := uuid.New()

	ok, err := g.Claim(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = g.Claim(context.Background(), id)
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	ok, _ = g.Claim(context.Background(), id)
	assert.True(t, ok, "claim expires after ttl")
}

type fakeClaimCache struct {
	claimed map[uuid.UUID]bool
	err     error
}

func (f *fakeClaimCache) ClaimDispatch(_ context.Context, id uuid.UUID, _ time.Duration) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if f.claimed[id] {
		return false, nil
	}
	f.claimed[id] = true
	return true, nil
}

func TestCacheGuard(t *testing.T) {
	c := &fakeClaimCache{claimed: map[uuid.UUID]bool{}}
	g := NewCacheGuard(c, time.Minute)
	id := uuid.New()

	ok, err := g.Claim(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = g.Claim(context.Background(), id)
	assert.False(t, ok)
}

func TestTrigger_GuardErrorFailsOpen(t *testing.T) {
	bus := realtime.NewMemoryBus()
	st := storetest.New(bus)
	ss := newSession(t, st)
	p := addPrompt(t, st, ss.ID, "one")
	d := newRecordingDispatcher(st)
	guard := NewCacheGuard(&fakeClaimCache{err: errors.New("redis down")}, time.Minute)

	runTrigger(t, TriggerConfig{SessionID: ss.ID, Store: st, Bus: bus, Dispatcher: d, Guard: guard})

	require.Eventually(t, func() bool { return d.count(p.ID) == 1 }, 2*time.Second, 5*time.Millisecond)
}
