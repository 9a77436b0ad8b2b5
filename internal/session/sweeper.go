package session

import (
	"context"
	"log/slog"
	"time"
)

// SweepTask is one cleanup job run by the Sweeper. Run returns the number
// of records it removed.
type SweepTask struct {
	Name string
	Run  func(ctx context.Context) (int, error)
}

// SweepFunc is called after each task with its result. Optional.
type SweepFunc func(task string, removed int, err error)

// Sweeper periodically runs cleanup tasks (expired sessions, orphaned
// state nonces) on its own goroutine, independent of request handling.
type Sweeper struct {
	Logger   *slog.Logger
	Interval time.Duration
	Tasks    []SweepTask
	OnSweep  SweepFunc

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSweeper creates a sweeper. An interval of 0 or less defaults to five
// minutes.
func NewSweeper(logger *slog.Logger, interval time.Duration, tasks ...SweepTask) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		Logger:   logger,
		Interval: interval,
		Tasks:    tasks,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the background loop. Call Stop to end it.
func (s *Sweeper) Start() {
	go s.run()
	s.Logger.Info("sweeper started", slog.Duration("interval", s.Interval))
}

// Stop ends the loop and waits for an in-progress sweep to finish.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.doneCh
	s.Logger.Info("sweeper stopped")
}

func (s *Sweeper) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.SweepOnce(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// SweepOnce runs every task once. A failing task does not stop the others.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	for _, t := range s.Tasks {
		n, err := t.Run(ctx)
		if err != nil {
			s.Logger.Error("sweep task failed", slog.String("task", t.Name), slog.Any("error", err))
		} else if n > 0 {
			s.Logger.Debug("sweep task removed records", slog.String("task", t.Name), slog.Int("removed", n))
		}
		if s.OnSweep != nil {
			s.OnSweep(t.Name, n, err)
		}
	}
}
