package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

const (
	DefaultRetentionSchedule = "*/15 * * * *"
	DefaultRetention         = 72 * time.Hour
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// SweeperConfig holds the dependencies for the retention sweeper.
type SweeperConfig struct {
	Engine    *Engine
	Schedule  string        // cron expression; defaults to every 15 minutes
	Retention time.Duration // idle time before a complete session is removed
	Logger    *slog.Logger
	Now       func() time.Time
}

// Sweeper removes complete sessions that have been idle longer than the
// retention period. Graph entities are untouched.
type Sweeper struct {
	engine    *Engine
	schedule  cronlib.Schedule
	spec      string
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu   sync.Mutex
	cron *cronlib.Cron
}

func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	spec := cfg.Schedule
	if spec == "" {
		spec = DefaultRetentionSchedule
	}
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse retention schedule %q: %w", spec, err)
	}
	s := &Sweeper{
		engine:    cfg.Engine,
		schedule:  sched,
		spec:      spec,
		retention: cfg.Retention,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
	if s.retention <= 0 {
		s.retention = DefaultRetention
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "sweeper")
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Start schedules sweeps until ctx is done or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return
	}
	c := cronlib.New(cronlib.WithParser(cronParser), cronlib.WithChain(cronlib.SkipIfStillRunning(cronlib.DiscardLogger)))
	c.Schedule(s.schedule, cronlib.FuncJob(func() {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sweep failed", "error", err)
		}
	}))
	c.Start()
	s.cron = c
	s.logger.Info("session sweeper started", "schedule", s.spec, "retention", s.retention)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.logger.Info("session sweeper stopped")
}

// Sweep runs one retention pass now.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.retention)
	n, err := s.engine.Expire(ctx, cutoff)
	if n > 0 {
		s.logger.Info("expired idle sessions", "count", n, "cutoff", cutoff)
	}
	return n, err
}

// NextRun returns when the next sweep is due after t.
func (s *Sweeper) NextRun(t time.Time) time.Time {
	return s.schedule.Next(t)
}
