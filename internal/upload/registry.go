package upload

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxIDAttempts bounds retries when a freshly generated id is already taken
const maxIDAttempts = 8

type entry struct {
	session *Session
	lock    *sync.Mutex
}

// Registry maps session ids to sessions and their dedicated locks.
//
// mu is the coordination lock. It guards only the map itself and is never
// held while a per-session lock is being acquired or held.
type Registry struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*entry

	newID func() (uuid.UUID, error)
	now   func() time.Time
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[uuid.UUID]*entry),
		newID:   uuid.NewRandom,
		now:     time.Now,
	}
}

// Create registers a new empty session and its lock, returning the session id
func (r *Registry) Create(filename string, expectedChunks int) (uuid.UUID, error) {
	if expectedChunks <= 0 {
		return uuid.Nil, fmt.Errorf("%w: num_chunks must be positive, got %d", ErrInvalidArgument, expectedChunks)
	}
	if filename == "" {
		return uuid.Nil, fmt.Errorf("%w: filename is required", ErrInvalidArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := r.newID()
		if err != nil {
			return uuid.Nil, fmt.Errorf("failed to generate session id: %w", err)
		}
		if _, taken := r.entries[id]; taken {
			continue
		}

		r.entries[id] = &entry{
			session: newSession(id, filename, expectedChunks, r.now),
			lock:    &sync.Mutex{},
		}
		return id, nil
	}

	return uuid.Nil, errors.New("failed to allocate a unique session id")
}

func (r *Registry) lookup(id uuid.UUID) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return e, nil
}

// Get returns the session registered under id. The caller must hold the
// session's lock before touching it.
func (r *Registry) Get(id uuid.UUID) (*Session, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.session, nil
}

// Lock returns the dedicated lock of the session registered under id
func (r *Registry) Lock(id uuid.UUID) (*sync.Mutex, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.lock, nil
}

// Acquire looks the session up, releases the coordination lock, then blocks
// on the session's own lock. The returned func releases it.
func (r *Registry) Acquire(id uuid.UUID) (*Session, func(), error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, nil, err
	}

	e.lock.Lock()
	if e.session.expired {
		e.lock.Unlock()
		return nil, nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return e.session, e.lock.Unlock, nil
}

// TryAcquire is Acquire without blocking; ok is false when the session is busy
func (r *Registry) TryAcquire(id uuid.UUID) (session *Session, release func(), ok bool) {
	e, err := r.lookup(id)
	if err != nil || !e.lock.TryLock() {
		return nil, nil, false
	}
	if e.session.expired {
		e.lock.Unlock()
		return nil, nil, false
	}
	return e.session, e.lock.Unlock, true
}

// Remove drops the session registered under id
func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// IDs returns a snapshot of all registered session ids
func (r *Registry) IDs() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]uuid.UUID, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of registered sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
