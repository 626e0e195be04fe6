// Package flusher implements the write-behind queue between the namespace
// and the remote key/value store.
//
// Every command is spilled to a Persistency before it is queued, so commands
// pushed but never acknowledged are resent after a restart. A single
// background loop sends pipelined batches and discards them from the spill
// once the store has applied them.
package flusher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/synnove/eos/internal/logger"
	"github.com/synnove/eos/internal/telemetry"
	"github.com/synnove/eos/pkg/kv"
)

const (
	DefaultSizeLimit      = 200000
	DefaultPipelineLength = 20000
)

// restartWait paces retries once a retry policy has given up.
var restartWait = time.Second

// ErrStopped is returned by Start on a flusher that was already stopped.
var ErrStopped = errors.New("flusher: stopped")

// Notifier receives failed batch attempts.
type Notifier interface {
	NetworkIssue(err error)
	UnexpectedResponse(err error)
}

// Metrics receives retry events. A nil Metrics is valid.
type Metrics interface {
	ObserveRetry(flusher string)
}

// Options configures a BackgroundFlusher.
type Options struct {
	// ID names the flusher in logs and metrics.
	ID string

	// SizeLimit bounds the number of unacknowledged commands. PushRequest
	// blocks while it is reached.
	// Default: 200000
	SizeLimit int64

	// PipelineLength is the maximum number of commands per batch.
	// Default: 20000
	PipelineLength int

	// Backoff returns the retry policy for one failing batch or spill. A
	// policy that gives up is started over; the loop only stops on Stop.
	// Default: exponential from 100ms to 10s without an elapsed time limit.
	Backoff func() backoff.BackOff

	Metrics Metrics
}

func (o *Options) applyDefaults() {
	if o.SizeLimit <= 0 {
		o.SizeLimit = DefaultSizeLimit
	}
	if o.PipelineLength <= 0 {
		o.PipelineLength = DefaultPipelineLength
	}
	if o.Backoff == nil {
		o.Backoff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 0
			return b
		}
	}
}

// BackgroundFlusher is a spill-backed, backpressured write-behind queue.
type BackgroundFlusher struct {
	client   kv.Client
	persist  Persistency
	notifier Notifier
	opts     Options

	// pushMu serializes PushRequest so an index stays reserved while its
	// spill is retried without holding mu.
	pushMu sync.Mutex

	mu sync.Mutex
	// queue mirrors the spill: queue[i] is the command at start+i.
	queue []kv.Command
	start int64
	end   int64
	// acked is closed and replaced whenever start advances.
	acked chan struct{}

	kick chan struct{}

	enqueued     atomic.Int64
	acknowledged atomic.Int64

	started   bool
	stopped   bool
	cancel    context.CancelFunc
	stoppedCh chan struct{}
}

// New builds a flusher on persist and reloads every entry it still holds.
// The flusher takes ownership of persist. Nothing is sent before Start.
func New(client kv.Client, persist Persistency, notifier Notifier, opts Options) (*BackgroundFlusher, error) {
	opts.applyDefaults()
	if notifier == nil {
		notifier = LogNotifier{ID: opts.ID}
	}

	f := &BackgroundFlusher{
		client:    client,
		persist:   persist,
		notifier:  notifier,
		opts:      opts,
		start:     persist.StartingIndex(),
		end:       persist.EndingIndex(),
		acked:     make(chan struct{}),
		kick:      make(chan struct{}, 1),
		stoppedCh: make(chan struct{}),
	}

	f.queue = make([]kv.Command, 0, f.end-f.start)
	for i := f.start; i < f.end; i++ {
		cmd, err := persist.Retrieve(i)
		if err != nil {
			return nil, fmt.Errorf("recover entry %d: %w", i, err)
		}
		f.queue = append(f.queue, cmd)
	}

	if n := f.end - f.start; n > 0 {
		logger.Info("Flusher recovered pending commands",
			logger.KeyFlusher, opts.ID, logger.KeyPending, n,
			"starting_index", f.start, "ending_index", f.end)
	}
	return f, nil
}

// ID returns the name given in Options.
func (f *BackgroundFlusher) ID() string {
	return f.opts.ID
}

// PushRequest spills cmd and queues it, blocking while the queue is full.
// A failed spill is retried until it succeeds, so the queue never runs ahead
// of the spill. It returns the index assigned to cmd.
func (f *BackgroundFlusher) PushRequest(cmd kv.Command) int64 {
	f.pushMu.Lock()
	defer f.pushMu.Unlock()

	f.mu.Lock()
	for f.end-f.start >= f.opts.SizeLimit {
		ch := f.acked
		f.mu.Unlock()
		<-ch
		f.mu.Lock()
	}
	index := f.end
	f.mu.Unlock()

	// Acknowledgements keep popping while the spill is retried, which is
	// what frees room in a full log.
	f.spill(index, cmd)

	f.mu.Lock()
	f.queue = append(f.queue, cmd)
	f.end++
	f.mu.Unlock()

	f.enqueued.Add(1)
	select {
	case f.kick <- struct{}{}:
	default:
	}
	return index
}

// spill records cmd at index, backing off between failures. Only a closed
// persistency or an index mismatch gives up; the command is then queued in
// memory alone.
func (f *BackgroundFlusher) spill(index int64, cmd kv.Command) {
	var b backoff.BackOff
	for attempt := 1; ; attempt++ {
		err := f.persist.Record(index, cmd)
		if err == nil {
			if attempt > 1 {
				logger.Info("Flusher spilled command after retrying",
					logger.KeyFlusher, f.opts.ID, logger.KeyIndex, index, logger.KeyAttempt, attempt)
			}
			return
		}
		if errors.Is(err, ErrPersistencyClosed) || errors.Is(err, ErrOutOfRange) {
			logger.Error("Flusher failed to spill command",
				logger.KeyFlusher, f.opts.ID, logger.KeyIndex, index, logger.KeyError, err)
			return
		}

		if b == nil {
			b = f.opts.Backoff()
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			b.Reset()
			wait = b.NextBackOff()
			if wait == backoff.Stop {
				wait = restartWait
			}
		}
		if f.opts.Metrics != nil {
			f.opts.Metrics.ObserveRetry(f.opts.ID)
		}
		logger.Warn("Flusher failed to spill command, retrying",
			logger.KeyFlusher, f.opts.ID, logger.KeyIndex, index, logger.KeyAttempt, attempt,
			"wait_ms", wait.Milliseconds(), logger.KeyError, err)
		time.Sleep(wait)
	}
}

// WaitForIndex waits until the command at index is acknowledged, or timeout
// elapses. It reports whether the index was acknowledged.
func (f *BackgroundFlusher) WaitForIndex(index int64, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		f.mu.Lock()
		if index < f.start {
			f.mu.Unlock()
			return true
		}
		ch := f.acked
		f.mu.Unlock()

		select {
		case <-ch:
		case <-timer.C:
			return false
		}
	}
}

// IsAcknowledged reports whether the command at index was applied.
func (f *BackgroundFlusher) IsAcknowledged(index int64) bool {
	return index < f.StartingIndex()
}

// StartingIndex returns the index of the oldest unacknowledged command.
func (f *BackgroundFlusher) StartingIndex() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.start
}

// EndingIndex returns the index the next pushed command will get.
func (f *BackgroundFlusher) EndingIndex() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.end
}

// Size returns the number of unacknowledged commands.
func (f *BackgroundFlusher) Size() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.end - f.start
}

// EnqueuedAndClear returns the number of commands pushed since the last call.
func (f *BackgroundFlusher) EnqueuedAndClear() int64 {
	return f.enqueued.Swap(0)
}

// AcknowledgedAndClear returns the number of commands acknowledged since the
// last call.
func (f *BackgroundFlusher) AcknowledgedAndClear() int64 {
	return f.acknowledged.Swap(0)
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start launches the background loop. Calling it twice is a no-op.
func (f *BackgroundFlusher) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.stopped {
		return ErrStopped
	}
	if f.started {
		return nil
	}
	f.started = true

	ctx, f.cancel = context.WithCancel(ctx)
	go f.run(ctx)

	logger.Info("Flusher started", logger.KeyFlusher, f.opts.ID,
		"pipeline_length", f.opts.PipelineLength, "size_limit", f.opts.SizeLimit)
	return nil
}

// Stop ends the background loop and waits for it. Unacknowledged commands
// stay in the spill and are resent by the next flusher opened on it.
func (f *BackgroundFlusher) Stop() {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	f.stopped = true
	started := f.started
	cancel := f.cancel
	pending := f.end - f.start
	f.mu.Unlock()

	if !started {
		return
	}
	cancel()
	<-f.stoppedCh

	logger.Info("Flusher stopped", logger.KeyFlusher, f.opts.ID, logger.KeyPending, pending)
}

// Close stops the flusher and closes its persistency.
func (f *BackgroundFlusher) Close() error {
	f.Stop()
	return f.persist.Close()
}

func (f *BackgroundFlusher) run(ctx context.Context) {
	defer close(f.stoppedCh)

	for {
		batch := f.nextBatch()
		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-f.kick:
				continue
			}
		}

		if err := f.send(ctx, batch); err != nil {
			if ctx.Err() != nil {
				return
			}
			// The retry policy gave up; the batch is still owed to the store.
			logger.Warn("Flusher retry policy gave up, starting over",
				logger.KeyFlusher, f.opts.ID, logger.KeyCount, len(batch), logger.KeyError, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(restartWait):
			}
			continue
		}
		f.acknowledge(len(batch))
	}
}

func (f *BackgroundFlusher) nextBatch() []kv.Command {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := min(len(f.queue), f.opts.PipelineLength)
	return f.queue[:n:n]
}

// send executes batch until it succeeds or ctx is cancelled.
func (f *BackgroundFlusher) send(ctx context.Context, batch []kv.Command) error {
	ctx, span := telemetry.StartFlusherSpan(ctx, "batch", f.opts.ID,
		telemetry.Count(len(batch)), telemetry.Index(f.StartingIndex()))
	defer span.End()

	attempt := 0
	op := func() error {
		attempt++
		return f.client.Execute(ctx, batch)
	}
	notify := func(err error, wait time.Duration) {
		if f.opts.Metrics != nil {
			f.opts.Metrics.ObserveRetry(f.opts.ID)
		}
		if errors.Is(err, kv.ErrUnexpectedResponse) {
			f.notifier.UnexpectedResponse(err)
		} else {
			f.notifier.NetworkIssue(err)
		}
		logger.Debug("Flusher retrying batch", logger.KeyFlusher, f.opts.ID,
			logger.KeyAttempt, attempt, logger.KeyCount, len(batch), "wait_ms", wait.Milliseconds())
	}

	err := backoff.RetryNotify(op, backoff.WithContext(f.opts.Backoff(), ctx), notify)
	if err != nil {
		telemetry.RecordError(ctx, err)
	}
	return err
}

// acknowledge drops n commands from the front of the queue and the spill.
func (f *BackgroundFlusher) acknowledge(n int) {
	f.mu.Lock()
	if err := f.persist.Pop(n); err != nil {
		logger.Error("Flusher failed to pop acknowledged commands",
			logger.KeyFlusher, f.opts.ID, logger.KeyIndex, f.start, logger.KeyCount, n, logger.KeyError, err)
	}
	clear(f.queue[:n])
	f.queue = f.queue[n:]
	f.start += int64(n)
	close(f.acked)
	f.acked = make(chan struct{})
	f.mu.Unlock()

	f.acknowledged.Add(int64(n))
}

// ============================================================================
// Notifier
// ============================================================================

// LogNotifier reports batch failures through the process logger.
type LogNotifier struct {
	ID string
}

// NetworkIssue logs a transient failure.
func (n LogNotifier) NetworkIssue(err error) {
	logger.Warn("Network issue when contacting the KV backend",
		logger.KeyFlusher, n.ID, logger.KeyError, err)
}

// UnexpectedResponse logs a reply the store should never send.
func (n LogNotifier) UnexpectedResponse(err error) {
	logger.Error("Unexpected response when contacting the KV backend",
		logger.KeyFlusher, n.ID, logger.KeyError, err)
}
