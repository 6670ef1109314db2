package stream

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"wildcam/internal/logging"
	"wildcam/internal/metrics"
	"wildcam/internal/models"
	"wildcam/processing/capture"

	"github.com/google/uuid"
)

// Processor turns a raw frame into an annotated one. It must not return
// detector faults as errors; they travel on AnnotatedFrame.Failure.
type Processor interface {
	Process(ctx context.Context, frame *models.RawFrame, maxW, maxH int) *models.AnnotatedFrame
}

type WorkerConfig struct {
	Source     *capture.FrameSource
	Stage      Processor
	Mailbox    *Mailbox
	Generation uint64
	MaxWidth   int
	MaxHeight  int

	// OnFrame is called on the worker goroutine after each accepted publish.
	OnFrame func(*models.AnnotatedFrame)
	Logger  logging.Logger
}

// WorkerHandle identifies one worker generation. Cancel asks the worker to
// stop; Done is closed exactly once, after the worker's FrameSource has
// been closed.
type WorkerHandle struct {
	ID         uuid.UUID
	Generation uint64

	cfg    WorkerConfig
	desc   models.SourceDescriptor
	logger logging.Logger
	cancel context.CancelFunc

	state   atomic.Int32
	running chan struct{}
	done    chan struct{}
	err     error

	fps        atomic.Uint32
	latency    atomic.Int64
	frameCount uint32
	lastFPSAt  time.Time
}

// StartWorker launches the read-detect-publish loop for cfg.Source on its
// own goroutine.
func StartWorker(parent context.Context, cfg WorkerConfig) *WorkerHandle {
	ctx, cancel := context.WithCancel(parent)

	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetLogger("stream")
	}

	w := &WorkerHandle{
		ID:         uuid.New(),
		Generation: cfg.Generation,
		cfg:        cfg,
		desc:       cfg.Source.Descriptor(),
		logger:     logger,
		cancel:     cancel,
		running:    make(chan struct{}),
		done:       make(chan struct{}),
	}

	go w.run(ctx)
	return w
}

func (w *WorkerHandle) Source() models.SourceDescriptor { return w.desc }

func (w *WorkerHandle) State() WorkerState { return WorkerState(w.state.Load()) }

func (w *WorkerHandle) Cancel() { w.cancel() }

// Running is closed when the source has opened and the loop has started.
// It is never closed for a worker whose source failed to open.
func (w *WorkerHandle) Running() <-chan struct{} { return w.running }

func (w *WorkerHandle) Done() <-chan struct{} { return w.done }

// Err is the reason the worker ended. It is valid once Done is closed; nil
// means the worker was cancelled or finished a single image.
func (w *WorkerHandle) Err() error {
	select {
	case <-w.done:
		return w.err
	default:
		return nil
	}
}

// ForceClose closes the worker's FrameSource from outside the worker
// goroutine, unblocking a read that ignores cancellation.
func (w *WorkerHandle) ForceClose() error {
	return w.cfg.Source.Close()
}

func (w *WorkerHandle) FPS() uint { return uint(w.fps.Load()) }

func (w *WorkerHandle) Latency() time.Duration { return time.Duration(w.latency.Load()) }

func (w *WorkerHandle) setState(s WorkerState) {
	w.state.Store(int32(s))
	w.logger.Debug("worker state", "worker", w.ID, "generation", w.Generation, "state", s)
}

func (w *WorkerHandle) run(ctx context.Context) {
	defer close(w.done)
	defer w.cancel()

	w.logger.Info("worker starting", "worker", w.ID, "generation", w.Generation, "source", w.desc.Name)

	err := w.execute(ctx)

	w.setState(WorkerStopping)
	if cerr := w.cfg.Source.Close(); cerr != nil {
		w.logger.Debug("source close", "source", w.desc.Name, "error", cerr)
	}

	w.err = err
	w.setState(WorkerStopped)

	if err != nil && !errors.Is(err, capture.ErrEndOfStream) {
		w.logger.Warn("worker stopped with error", "worker", w.ID, "source", w.desc.Name, "error", err)
	} else {
		w.logger.Info("worker stopped", "worker", w.ID, "source", w.desc.Name)
	}
}

func (w *WorkerHandle) execute(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()

	w.setState(WorkerStarting)
	if err := w.cfg.Source.Open(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	w.setState(WorkerRunning)
	close(w.running)

	w.lastFPSAt = time.Now()
	singleShot := w.desc.Media == models.MediaImage

	for {
		if ctx.Err() != nil {
			return nil
		}

		raw, err := w.cfg.Source.ReadNext(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil, errors.Is(err, capture.ErrSourceClosed):
				return nil
			case capture.IsTemporary(err):
				metrics.TransientReadError(w.desc.Name)
				w.logger.Debug("transient read error, retrying", "source", w.desc.Name, "error", err)
				continue
			default:
				return err
			}
		}

		frame := w.cfg.Stage.Process(ctx, raw, w.cfg.MaxWidth, w.cfg.MaxHeight)
		frame.Generation = w.Generation

		if ctx.Err() != nil {
			return nil
		}

		w.publish(frame)

		if singleShot {
			return nil
		}
	}
}

func (w *WorkerHandle) publish(frame *models.AnnotatedFrame) {
	if frame.Failure != nil {
		metrics.DetectionFailure(w.desc.Name)
	}

	if !w.cfg.Mailbox.Publish(frame) {
		return
	}
	metrics.FramePublished(w.desc.Name)

	w.latency.Store(int64(frame.Latency))
	w.frameCount++
	if time.Since(w.lastFPSAt) >= time.Second {
		w.fps.Store(w.frameCount)
		w.frameCount = 0
		w.lastFPSAt = time.Now()
	}

	if w.cfg.OnFrame != nil {
		w.cfg.OnFrame(frame)
	}
}
