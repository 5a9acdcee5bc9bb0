package sched

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task is a named periodic job run by the scheduler.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(context.Context)
}

// Scheduler owns a set of independently ticking background tasks and joins
// them on shutdown. Components register their flush/rotation/cleanup loops
// here instead of spawning bare goroutines.
type Scheduler struct {
	logger *zap.Logger

	mu      sync.Mutex
	tasks   []Task
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds an empty scheduler.
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{logger: logger}
}

// Register adds a task. Tasks registered after Start begin ticking
// immediately.
func (s *Scheduler) Register(task Task) {
	if task.Interval <= 0 || task.Run == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
	if s.started {
		s.launch(task)
	}
}

// Tasks snapshots the registered task set.
func (s *Scheduler) Tasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Task(nil), s.tasks...)
}

// Start begins ticking all registered tasks. Safe to call once.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	for _, task := range s.tasks {
		s.launch(task)
	}
	s.started = true
	s.logger.Sugar().Infow("scheduler started", "tasks", len(s.tasks))
}

// Stop cancels all tasks and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Sugar().Infow("scheduler stopped")
}

func (s *Scheduler) launch(task Task) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(task.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.runOne(task)
			}
		}
	}()
}

func (s *Scheduler) runOne(task Task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled task panicked",
				zap.String("task", task.Name),
				zap.Any("panic", r))
		}
	}()
	task.Run(s.ctx)
}
