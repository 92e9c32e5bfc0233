package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/partypix/internal/realtime"
	"github.com/kiranshivaraju/partypix/pkg/models"
)

// SessionLister returns the sessions that currently accept prompts.
type SessionLister interface {
	ListActiveSessions(ctx context.Context) ([]*models.Session, error)
}

// SupervisorConfig wires a Supervisor. Template is copied for every session
// trigger with SessionID filled in.
type SupervisorConfig struct {
	Sessions           SessionLister
	Bus                realtime.Bus
	Template           TriggerConfig
	MinRefetchInterval time.Duration
}

// Supervisor keeps one Trigger running for every active session.
type Supervisor struct {
	cfg SupervisorConfig

	mu  sync.Mutex
	ctx context.Context
	// running holds the current trigger of each covered session. stopping
	// holds triggers that were cancelled but may still own their feed channel.
	running  map[uuid.UUID]*supervisedTrigger
	stopping map[uuid.UUID]*supervisedTrigger
	triggers sync.WaitGroup
}

// supervisedTrigger is one start of a session trigger. Its pointer identifies
// the start, so an exiting trigger never removes a newer one.
type supervisedTrigger struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		running:  make(map[uuid.UUID]*supervisedTrigger),
		stopping: make(map[uuid.UUID]*supervisedTrigger),
	}
}

// Run follows the sessions table until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	s.ctx = ctx
	feed, err := realtime.Start(ctx, s.cfg.Bus, realtime.Options[*models.Session]{
		Table:              "sessions",
		Event:              realtime.EventAll,
		Channel:            "dispatch_supervisor_sessions",
		Fetch:              s.cfg.Sessions.ListActiveSessions,
		MinRefetchInterval: s.cfg.MinRefetchInterval,
		OnChange:           s.reconcile,
	})
	if err != nil {
		return err
	}

	<-ctx.Done()
	_ = feed.Close()

	s.mu.Lock()
	for id, st := range s.running {
		st.cancel()
		delete(s.running, id)
	}
	s.mu.Unlock()
	s.triggers.Wait()
	return nil
}

// Active returns the ids of sessions with a running trigger.
func (s *Supervisor) Active() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	return ids
}

func (s *Supervisor) reconcile(snap realtime.Snapshot[*models.Session]) {
	if snap.Err != nil || snap.Loading {
		if snap.Err != nil {
			slog.Warn("active session feed error", "error", snap.Err)
		}
		return
	}

	active := make(map[uuid.UUID]struct{}, len(snap.Data))
	for _, ss := range snap.Data {
		active[ss.ID] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, st := range s.running {
		if _, ok := active[id]; !ok {
			st.cancel()
			delete(s.running, id)
			s.stopping[id] = st
		}
	}
	for id := range active {
		if _, ok := s.running[id]; ok {
			continue
		}
		s.start(id)
	}
}

// start must be called with s.mu held.
func (s *Supervisor) start(sessionID uuid.UUID) {
	cfg := s.cfg.Template
	cfg.SessionID = sessionID
	if cfg.Bus == nil {
		cfg.Bus = s.cfg.Bus
	}
	t, err := NewTrigger(cfg)
	if err != nil {
		slog.Error("creating dispatch trigger", "session_id", sessionID, "error", err)
		return
	}

	// A session ended and re-activated in quick succession may still have
	// its previous trigger holding the feed channel.
	prev := s.stopping[sessionID]
	delete(s.stopping, sessionID)

	ctx, cancel := context.WithCancel(s.ctx)
	st := &supervisedTrigger{cancel: cancel, done: make(chan struct{})}
	s.running[sessionID] = st
	s.triggers.Add(1)
	go func() {
		defer s.triggers.Done()
		defer s.finished(sessionID, st)

		if prev != nil {
			select {
			case <-prev.done:
			case <-ctx.Done():
				return
			}
		}
		if err := t.Run(ctx); err != nil {
			slog.Error("dispatch trigger exited", "session_id", sessionID, "error", err)
		}
	}()
}

// finished drops st from the supervisor's books once its trigger has
// returned, so a trigger that failed to start is restarted by the next
// reconcile instead of being reported as active.
func (s *Supervisor) finished(sessionID uuid.UUID, st *supervisedTrigger) {
	s.mu.Lock()
	if s.running[sessionID] == st {
		delete(s.running, sessionID)
	}
	if s.stopping[sessionID] == st {
		delete(s.stopping, sessionID)
	}
	s.mu.Unlock()
	st.cancel()
	close(st.done)
}
