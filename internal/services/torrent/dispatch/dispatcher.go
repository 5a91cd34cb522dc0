// Package dispatch runs job commands on a fixed pool of workers. Commands
// sharing a key always run on the same worker, in submission order.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"torrentjobs/internal/domain"
	"torrentjobs/internal/metrics"
)

type Kind string

const (
	KindAdmit  Kind = "admit"
	KindPause  Kind = "pause"
	KindResume Kind = "resume"
	KindRemove Kind = "remove"
)

// Command is one unit of work. Run reports its own outcome; Fail is called
// instead when Run panics or the command is abandoned before running.
type Command struct {
	Kind Kind
	Key  string
	Run  func(ctx context.Context) error
	Fail func(err error)
}

// defaultAbandonGrace bounds how long Drain waits for in-flight commands
// after its deadline has passed.
const defaultAbandonGrace = 2 * time.Second

type Dispatcher struct {
	workers      []*worker
	logger       *slog.Logger
	tracer       trace.Tracer
	abandonGrace time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

type Option func(*Dispatcher)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(d *Dispatcher) {
		if tracer != nil {
			d.tracer = tracer
		}
	}
}

// WithAbandonGrace sets how long Drain waits for in-flight commands once its
// deadline has passed.
func WithAbandonGrace(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.abandonGrace = d
		}
	}
}

// New starts a dispatcher with n workers (at least one).
func New(n int, opts ...Option) *Dispatcher {
	if n <= 0 {
		n = domain.DefaultWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		logger:       slog.Default(),
		tracer:       otel.Tracer("torrentjobs/dispatch"),
		abandonGrace: defaultAbandonGrace,
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.workers = make([]*worker, n)
	for i := range d.workers {
		d.workers[i] = newWorker(i)
	}
	d.wg.Add(n)
	for _, w := range d.workers {
		go d.run(w)
	}
	return d
}

// Submit enqueues cmd and returns immediately. After Drain the command is
// abandoned with domain.ErrCancelled.
func (d *Dispatcher) Submit(cmd Command) *Ticket {
	it := &item{cmd: cmd, ticket: newTicket()}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.abandon(it)
		return it.ticket
	}
	d.workerFor(cmd.Key).push(it)
	d.mu.Unlock()
	return it.ticket
}

func (d *Dispatcher) workerFor(key string) *worker {
	return d.workers[xxhash.Sum64String(key)%uint64(len(d.workers))]
}

// Drain stops intake and waits for queued commands to finish. When ctx
// expires first, in-flight commands see their context cancelled, queued
// commands are abandoned, and the number abandoned is returned. A command
// that ignores cancellation delays Drain by at most the abandon grace.
func (d *Dispatcher) Drain(ctx context.Context) int {
	d.mu.Lock()
	already := d.closed
	d.closed = true
	d.mu.Unlock()

	if !already {
		for _, w := range d.workers {
			w.close()
		}
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return 0
	case <-ctx.Done():
	}

	d.cancel()
	grace := time.NewTimer(d.abandonGrace)
	select {
	case <-done:
		grace.Stop()
	case <-grace.C:
		d.logger.Warn("dispatcher workers still busy after drain deadline",
			slog.Duration("grace", d.abandonGrace),
		)
	}

	abandoned := 0
	for _, w := range d.workers {
		for _, it := range w.takeAll() {
			d.abandon(it)
			abandoned++
		}
	}
	if abandoned > 0 {
		d.logger.Warn("dispatcher drain deadline reached", slog.Int("abandoned", abandoned))
	}
	return abandoned
}

// Pending returns the number of queued commands across all workers.
func (d *Dispatcher) Pending() int {
	n := 0
	for _, w := range d.workers {
		n += w.len()
	}
	return n
}

func (d *Dispatcher) run(w *worker) {
	defer d.wg.Done()
	for {
		it, ok := w.next(d.ctx.Done())
		if !ok {
			return
		}
		d.execute(it)
	}
}

func (d *Dispatcher) execute(it *item) {
	kind := string(it.cmd.Kind)
	ctx, span := d.tracer.Start(d.ctx, "dispatch."+kind, trace.WithAttributes(
		attribute.String("command.kind", kind),
		attribute.String("command.key", it.cmd.Key),
	))
	start := time.Now()

	err := d.invoke(ctx, it.cmd)

	metrics.CommandDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	metrics.CommandsTotal.WithLabelValues(kind, outcome(err)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	it.ticket.complete(err)
}

func (d *Dispatcher) invoke(ctx context.Context, cmd Command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", domain.ErrCommandPanic, r)
			d.logger.Error("command panicked",
				slog.String("kind", string(cmd.Kind)),
				slog.String("key", cmd.Key),
				slog.Any("panic", r),
			)
			if cmd.Fail != nil {
				cmd.Fail(err)
			}
		}
	}()
	if cmd.Run == nil {
		return nil
	}
	return cmd.Run(ctx)
}

func (d *Dispatcher) abandon(it *item) {
	err := fmt.Errorf("%w: %s %s", domain.ErrCancelled, it.cmd.Kind, it.cmd.Key)
	metrics.CommandsTotal.WithLabelValues(string(it.cmd.Kind), outcome(err)).Inc()
	if it.cmd.Fail != nil {
		it.cmd.Fail(err)
	}
	it.ticket.complete(err)
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return string(domain.KindOf(err))
}

type item struct {
	cmd    Command
	ticket *Ticket
}

// worker owns an unbounded FIFO mailbox.
type worker struct {
	label  string
	mu     sync.Mutex
	queue  []*item
	closed bool
	notify chan struct{}
}

func newWorker(index int) *worker {
	return &worker{
		label:  strconv.Itoa(index),
		notify: make(chan struct{}, 1),
	}
}

func (w *worker) push(it *item) {
	w.mu.Lock()
	w.queue = append(w.queue, it)
	depth := len(w.queue)
	w.mu.Unlock()
	metrics.QueueDepth.WithLabelValues(w.label).Set(float64(depth))
	w.signal()
}

func (w *worker) signal() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *worker) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.signal()
}

// next blocks until an item is available. It reports false once the mailbox
// is closed and empty, or when stop fires.
func (w *worker) next(stop <-chan struct{}) (*item, bool) {
	for {
		select {
		case <-stop:
			return nil, false
		default:
		}

		w.mu.Lock()
		if len(w.queue) > 0 {
			it := w.queue[0]
			w.queue[0] = nil
			w.queue = w.queue[1:]
			depth := len(w.queue)
			w.mu.Unlock()
			metrics.QueueDepth.WithLabelValues(w.label).Set(float64(depth))
			return it, true
		}
		closed := w.closed
		w.mu.Unlock()
		if closed {
			return nil, false
		}

		select {
		case <-w.notify:
		case <-stop:
			return nil, false
		}
	}
}

func (w *worker) takeAll() []*item {
	w.mu.Lock()
	items := w.queue
	w.queue = nil
	w.mu.Unlock()
	metrics.QueueDepth.WithLabelValues(w.label).Set(0)
	return items
}

func (w *worker) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}
