// Package scheduler runs named maintenance jobs on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	// ErrJobNotFound is returned when no job has the given name.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobExists is returned when registering a name twice.
	ErrJobExists = errors.New("job already registered")
)

// Job is a unit of scheduled work.
type Job func(ctx context.Context) error

// EntryInfo describes a registered job.
type EntryInfo struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	Next    time.Time `json:"next"`
	Prev    time.Time `json:"prev,omitempty"`
	LastErr string    `json:"last_error,omitempty"`
}

type entry struct {
	id      cron.EntryID
	spec    string
	job     Job
	lastErr error
}

// Scheduler runs jobs on cron schedules. Expressions take an optional
// leading seconds field and descriptors such as @every 5m.
type Scheduler struct {
	mu sync.RWMutex

	cron    *cron.Cron
	parser  cron.Parser
	entries map[string]*entry
	logger  *slog.Logger

	// Running state
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a stopped scheduler.
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s := &Scheduler{
		parser:  parser,
		entries: make(map[string]*entry),
		logger:  slog.Default(),
	}
	s.cron = s.newCron()
	return s
}

// WithLogger sets a custom logger. Call before Register.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	s.logger = logger
	s.cron = s.newCron()
	return s
}

func (s *Scheduler) newCron() *cron.Cron {
	log := cronLogger{logger: s.logger}
	return cron.New(
		cron.WithParser(s.parser),
		cron.WithLogger(log),
		cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)),
	)
}

// Register adds a job under name.
func (s *Scheduler) Register(name, spec string, job Job) error {
	schedule, err := s.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("%w: %s", ErrJobExists, name)
	}
	e := &entry{spec: spec, job: job}
	e.id = s.cron.Schedule(schedule, cron.FuncJob(func() { s.run(name, e) }))
	s.entries[name] = e

	s.logger.Debug("registered scheduled job", slog.String("job", name), slog.String("cron", spec))
	return nil
}

// Start begins running registered jobs. Jobs receive a context derived
// from ctx that is cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return fmt.Errorf("scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()

	s.logger.Info("scheduler started", slog.Int("jobs", len(s.entries)))
	return nil
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.mu.Unlock()

	<-s.cron.Stop().Done()

	s.mu.Lock()
	s.ctx = nil
	s.cancel = nil
	s.mu.Unlock()

	s.logger.Info("scheduler stopped")
}

// RunNow runs the named job synchronously with ctx.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.RLock()
	e, ok := s.entries[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	return s.execute(ctx, name, e)
}

// Entries lists registered jobs sorted by name.
func (s *Scheduler) Entries() []EntryInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]EntryInfo, 0, len(s.entries))
	for name, e := range s.entries {
		ce := s.cron.Entry(e.id)
		info := EntryInfo{Name: name, Spec: e.spec, Next: ce.Next, Prev: ce.Prev}
		if e.lastErr != nil {
			info.LastErr = e.lastErr.Error()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) run(name string, e *entry) {
	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	_ = s.execute(ctx, name, e)
}

func (s *Scheduler) execute(ctx context.Context, name string, e *entry) error {
	start := time.Now()
	err := e.job(ctx)

	s.mu.Lock()
	e.lastErr = err
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("scheduled job failed",
			slog.String("job", name),
			slog.Duration("duration", time.Since(start)),
			slog.String("error", err.Error()),
		)
		return err
	}
	s.logger.Debug("scheduled job completed",
		slog.String("job", name),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

// ParseCron validates a cron expression and returns the next run time.
func (s *Scheduler) ParseCron(expr string) (time.Time, error) {
	schedule, err := s.parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule.Next(time.Now()), nil
}

// ValidateCron validates a cron expression.
func (s *Scheduler) ValidateCron(expr string) error {
	_, err := s.parser.Parse(expr)
	return err
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
