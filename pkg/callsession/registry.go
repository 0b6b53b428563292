package callsession

import (
	"sync"

	apperr "github.com/LingByte/CareCall/pkg/errors"
	"go.uber.org/zap"
)

// DefaultRegistry is used by sessions created without a Registry.
var DefaultRegistry = NewRegistry(nil)

// Registry holds the active sessions of this process, one per appointment id.
type Registry struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	Logger   *zap.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		Logger:   logger,
	}
}

// acquire claims id for s. Fails with SESSION_ACTIVE if another session holds it.
func (r *Registry) acquire(id string, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[id]; ok && cur != s {
		return apperr.NewAppErrorf(apperr.ErrCodeSessionActive, "session %s is already active", id).
			WithDetails("session_id", id)
	}
	r.sessions[id] = s
	r.Logger.Debug("session registered", zap.String("session_id", id))
	return nil
}

// release drops id if s still holds it.
func (r *Registry) release(id string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[id]; ok && cur == s {
		delete(r.sessions, id)
		r.Logger.Debug("session released", zap.String("session_id", id))
	}
}

// Get retrieves the active session for id
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of active sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
