package generator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store keeps sessions in memory and drops the ones idle past the TTL.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	runner Runner
	opts   Options
	ttl    time.Duration
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// NewStore creates a store whose sessions run through runner. ttl <= 0 keeps
// sessions forever.
func NewStore(runner Runner, ttl time.Duration, opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		sessions: make(map[string]*Session),
		runner:   runner,
		opts:     opts,
		ttl:      ttl,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Create registers a new session.
func (st *Store) Create() *Session {
	sess := NewSession(st.ctx, uuid.NewString(), st.runner, st.opts)
	st.mu.Lock()
	st.sessions[sess.ID] = sess
	st.mu.Unlock()
	st.opts.Logger.Debug("session created", zap.String("session", sess.ID))
	return sess
}

// Get returns the session and marks it active.
func (st *Store) Get(id string) (*Session, error) {
	st.mu.RLock()
	sess, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	sess.touch()
	return sess, nil
}

// Len reports the number of live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Sweep removes idle sessions that have no run in flight and returns how many went.
func (st *Store) Sweep() int {
	if st.ttl <= 0 {
		return 0
	}
	cutoff := st.now().Add(-st.ttl)
	st.mu.Lock()
	defer st.mu.Unlock()
	removed := 0
	for id, sess := range st.sessions {
		last, running := sess.idleSince()
		if running || last.After(cutoff) {
			continue
		}
		delete(st.sessions, id)
		removed++
	}
	if removed > 0 {
		st.opts.Logger.Debug("sessions expired", zap.Int("count", removed))
	}
	return removed
}

// Janitor sweeps every interval until ctx is done.
func (st *Store) Janitor(ctx context.Context, interval time.Duration) {
	if st.ttl <= 0 || interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			st.Sweep()
		}
	}
}

// Close cancels every running generation.
func (st *Store) Close() {
	st.cancel()
}
