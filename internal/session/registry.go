package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nidhogg/chronicle/internal/memory"
	"github.com/nidhogg/chronicle/internal/scenario"
	"github.com/nidhogg/chronicle/internal/tokens"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a session is neither live nor persisted.
var ErrNotFound = errors.New("session not found")

// Persister stores session snapshots durably.
type Persister interface {
	Save(ctx context.Context, snap *Snapshot) error
	// Load returns ErrNotFound when no snapshot exists for id.
	Load(ctx context.Context, id string) (*Snapshot, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]string, error)
}

// Registry owns the live sessions of the process: sessions are initialised
// on start, persisted on save and discarded on exit.
type Registry struct {
	config    Config
	persister Persister
	counter   tokens.Counter
	profile   scenario.Profile
	compactor Compactor
	now       func() time.Time
	logger    *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// RegistryOption customises a Registry.
type RegistryOption func(*Registry)

// WithRegistryCounter sets the token counter given to new sessions.
func WithRegistryCounter(c tokens.Counter) RegistryOption {
	return func(r *Registry) { r.counter = c }
}

// WithDefaultScenario sets the profile for sessions that have none.
func WithDefaultScenario(p scenario.Profile) RegistryOption {
	return func(r *Registry) { r.profile = p }
}

// WithRegistryCompactor attaches a compactor to every session.
func WithRegistryCompactor(c Compactor) RegistryOption {
	return func(r *Registry) { r.compactor = c }
}

// WithRegistryClock overrides the time source of new sessions.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a registry. A nil persister keeps sessions in memory
// only.
func NewRegistry(cfg Config, persister Persister, logger *zap.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		config:    cfg,
		persister: persister,
		now:       time.Now,
		logger:    logger,
		sessions:  make(map[string]*Session),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SetCompactor attaches a compactor to sessions created from now on.
func (r *Registry) SetCompactor(c Compactor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compactor = c
}

// Init returns the live session for id, restoring it from the persister or
// creating it when needed. created reports whether a new session was made.
func (r *Registry) Init(ctx context.Context, id string) (s *Session, created bool, err error) {
	if id == "" {
		return nil, false, fmt.Errorf("%w: empty session id", memory.ErrInvalidInput)
	}
	if s, ok := r.Get(id); ok {
		return s, false, nil
	}

	var snap *Snapshot
	if r.persister != nil {
		snap, err = r.persister.Load(ctx, id)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, false, fmt.Errorf("load session %s: %w", id, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s, false, nil
	}

	profile := r.profile
	if snap != nil && snap.Scenario.Name != "" {
		profile = snap.Scenario
	}
	s = New(id, r.config, r.logger,
		WithCounter(r.counter),
		WithScenario(profile),
		WithCompactor(r.compactor),
		WithClock(r.now))
	if snap != nil {
		s.Restore(snap)
		r.logger.Info("session restored", zap.String("session", id), zap.Int("log", len(snap.Log)))
	} else {
		created = true
		r.logger.Info("session created", zap.String("session", id))
	}
	r.sessions[id] = s
	return s, created, nil
}

// Get returns a live session.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// List returns the ids of live sessions, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Persisted returns the ids known to the persister.
func (r *Registry) Persisted(ctx context.Context) ([]string, error) {
	if r.persister == nil {
		return nil, nil
	}
	return r.persister.List(ctx)
}

// Stores maps live session ids to their memory stores.
func (r *Registry) Stores() map[string]*memory.Store {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*memory.Store, len(r.sessions))
	for id, s := range r.sessions {
		out[id] = s.Store()
	}
	return out
}

// Save persists a live session.
func (r *Registry) Save(ctx context.Context, id string) error {
	s, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if r.persister == nil {
		return nil
	}
	if err := r.persister.Save(ctx, s.Snapshot()); err != nil {
		return fmt.Errorf("save session %s: %w", id, err)
	}
	r.logger.Debug("session saved", zap.String("session", id))
	return nil
}

// SaveAll persists every live session and returns the joined errors.
func (r *Registry) SaveAll(ctx context.Context) error {
	var errs []error
	for _, id := range r.List() {
		if err := r.Save(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops a live session. With purge, the persisted state is deleted
// too.
func (r *Registry) Discard(ctx context.Context, id string, purge bool) error {
	r.mu.Lock()
	_, live := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if purge && r.persister != nil {
		if err := r.persister.Delete(ctx, id); err != nil {
			return fmt.Errorf("delete session %s: %w", id, err)
		}
		return nil
	}
	if !live {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Close saves and discards every live session.
func (r *Registry) Close(ctx context.Context) error {
	err := r.SaveAll(ctx)
	r.mu.Lock()
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	return err
}
