package compaction

import (
	"context"
	"fmt"
	"sync"

	"github.com/nidhogg/chronicle/internal/memory"
	rcron "github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Source lists the stores a scheduled pass visits, keyed by session id.
type Source func() map[string]*memory.Store

// Scheduler runs a Job on a cron schedule and on demand. Concurrent
// requests for the same session share one run.
type Scheduler struct {
	job    *Job
	spec   string
	source Source
	logger *zap.Logger

	flight singleflight.Group
	cron   *rcron.Cron
	wg     sync.WaitGroup

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// ValidateSchedule reports whether spec parses as a cron schedule.
func ValidateSchedule(spec string) error {
	if _, err := rcron.ParseStandard(spec); err != nil {
		return fmt.Errorf("parse compaction schedule %q: %w", spec, err)
	}
	return nil
}

// NewScheduler validates spec (standard cron syntax or a descriptor such as
// "@every 15m"). An empty spec disables the periodic pass.
func NewScheduler(job *Job, spec string, source Source, logger *zap.Logger) (*Scheduler, error) {
	if spec != "" {
		if err := ValidateSchedule(spec); err != nil {
			return nil, err
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		job:    job,
		spec:   spec,
		source: source,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start begins periodic passes.
func (s *Scheduler) Start() error {
	if s.spec == "" || s.source == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}
	c := rcron.New()
	if _, err := c.AddFunc(s.spec, s.tick); err != nil {
		return fmt.Errorf("register compaction schedule: %w", err)
	}
	c.Start()
	s.cron = c
	s.logger.Info("compaction scheduler started", zap.String("schedule", s.spec))
	return nil
}

// Stop halts the schedule, cancels in-flight runs and waits for them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.cancel()
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	s.wg.Wait()
	s.logger.Info("compaction scheduler stopped")
}

// Run compacts one session's store now. A run already in progress for the
// same session is joined rather than repeated.
func (s *Scheduler) Run(ctx context.Context, session string, store *memory.Store) (Result, error) {
	v, err, shared := s.flight.Do(session, func() (any, error) {
		return s.job.Run(ctx, store)
	})
	if shared {
		s.logger.Debug("joined in-flight compaction", zap.String("session", session))
	}
	res, _ := v.(Result)
	return res, err
}

// Trigger starts a background run when the store's raw footprint exceeds
// the policy ceiling. It reports whether a run was started.
func (s *Scheduler) Trigger(session string, store *memory.Store) bool {
	if !s.job.Due(store) {
		return false
	}
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		if _, err := s.Run(s.ctx, session, store); err != nil {
			s.logger.Warn("background compaction interrupted",
				zap.String("session", session), zap.Error(err))
		}
	}()
	return true
}

func (s *Scheduler) tick() {
	for id, store := range s.source() {
		if s.ctx.Err() != nil {
			return
		}
		if _, err := s.Run(s.ctx, id, store); err != nil {
			s.logger.Warn("scheduled compaction interrupted",
				zap.String("session", id), zap.Error(err))
		}
	}
}
