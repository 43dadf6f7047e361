package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/kevinxiao27/canvas-sync/ol"
	"github.com/kevinxiao27/canvas-sync/store"
)

// Registry tracks the open sessions of one process.
type Registry struct {
	mu       sync.Mutex
	store    store.Store
	opts     []ol.Option
	sessions map[string]*Session
}

func NewRegistry(st store.Store, opts ...ol.Option) *Registry {
	return &Registry{
		store:    st,
		opts:     opts,
		sessions: map[string]*Session{},
	}
}

// Open returns the session for projectID, loading it on first use.
func (r *Registry) Open(ctx context.Context, projectID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[projectID]; ok {
		return s, nil
	}
	s, err := Open(ctx, r.store, projectID, r.opts...)
	if err != nil {
		return nil, err
	}
	r.sessions[projectID] = s
	return s, nil
}

func (r *Registry) Get(projectID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[projectID]
	return s, ok
}

// Close saves the session and forgets it. The operations outlive the session.
// The entry stays registered until the save succeeds, and r.mu is held
// throughout so a concurrent Open cannot load a stale copy from the store.
func (r *Registry) Close(ctx context.Context, projectID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[projectID]
	if !ok {
		return nil
	}
	if err := s.Save(ctx, r.store); err != nil {
		return fmt.Errorf("close %s: %w", projectID, err)
	}
	delete(r.sessions, projectID)
	return nil
}

func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := r.Close(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
