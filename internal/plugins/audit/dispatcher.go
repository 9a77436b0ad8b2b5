package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Sink receives dispatched audit entries.
type Sink interface {
	Emit(ctx context.Context, entry Entry)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, entry Entry)

// Emit calls f.
func (f SinkFunc) Emit(ctx context.Context, entry Entry) { f(ctx, entry) }

// MultiSink emits to every sink in order.
type MultiSink []Sink

// Emit forwards entry to each sink.
func (m MultiSink) Emit(ctx context.Context, entry Entry) {
	for _, s := range m {
		s.Emit(ctx, entry)
	}
}

// SlogSink writes each entry as one structured log line.
type SlogSink struct {
	Logger *slog.Logger
}

// Emit logs entry at info level, or warn for failures.
func (s SlogSink) Emit(ctx context.Context, e Entry) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	if !e.Success {
		level = slog.LevelWarn
	}
	logger.LogAttrs(ctx, level, "auth audit",
		slog.String("audit_id", e.ID),
		slog.String("action", e.Action),
		slog.String("user_id", e.UserID),
		slog.String("provider", e.Provider),
		slog.String("ip", e.IP),
		slog.Bool("success", e.Success),
		slog.String("reason", e.Reason),
		slog.String("token_ref", e.SessionRef),
	)
}

// DispatcherConfig controls buffering.
type DispatcherConfig struct {
	BufferSize int

	// DropIfFull makes Emit non-blocking; entries that do not fit are
	// counted in Dropped.
	DropIfFull bool
}

// Dispatcher forwards entries to a sink on its own goroutine.
type Dispatcher struct {
	cfg       DispatcherConfig
	sink      Sink
	ch        chan Entry
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewDispatcher starts a dispatcher. A buffer of 0 or less defaults to 256.
func NewDispatcher(cfg DispatcherConfig, sink Sink) *Dispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if sink == nil {
		sink = MultiSink(nil)
	}
	d := &Dispatcher{
		cfg:  cfg,
		sink: sink,
		ch:   make(chan Entry, cfg.BufferSize),
		done: make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case e := <-d.ch:
			d.sink.Emit(context.Background(), e)
		case <-d.done:
			// Drain what was queued before Close.
			for {
				select {
				case e := <-d.ch:
					d.sink.Emit(context.Background(), e)
				default:
					return
				}
			}
		}
	}
}

// Emit queues entry. With DropIfFull it never blocks; otherwise it waits
// for buffer space until ctx is done.
func (d *Dispatcher) Emit(ctx context.Context, e Entry) {
	if d == nil || d.closed.Load() {
		return
	}

	if d.cfg.DropIfFull {
		select {
		case d.ch <- e:
		case <-d.done:
		default:
			d.dropped.Add(1)
		}
		return
	}

	select {
	case d.ch <- e:
	case <-ctx.Done():
		d.dropped.Add(1)
	case <-d.done:
	}
}

// Close stops accepting entries, flushes the queue and waits.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

// Dropped reports how many entries were discarded.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
