package stream

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"wildcam/internal/events"
	"wildcam/internal/logging"
	"wildcam/internal/metrics"
	"wildcam/internal/models"
	"wildcam/processing/capture"
)

var (
	ErrSuperseded    = errors.New("switch superseded by a newer request")
	ErrUnknownSource = errors.New("unknown source")
	ErrShutdown      = errors.New("controller is shut down")
)

type Options struct {
	Opener     capture.OpenFunc
	Stage      Processor
	MaxWidth   int
	MaxHeight  int
	LowLatency bool

	// TeardownTimeout bounds the wait for a cancelled worker. When it
	// expires the worker's source is closed from the controller. Zero waits
	// forever.
	TeardownTimeout time.Duration

	Catalog *Catalog
	Bus     *events.Bus
	Logger  logging.Logger
}

type Stats struct {
	Generation uint64
	Source     string
	FPS        uint
	Latency    time.Duration
	Published  uint64
	Dropped    uint64
}

// Controller owns the single active worker and serializes every change to
// it. Presentation code only calls its methods and reads the mailbox.
type Controller struct {
	opts    Options
	logger  logging.Logger
	mailbox *Mailbox
	catalog *Catalog
	bus     *events.Bus

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	reqMu     sync.Mutex
	reqSeq    uint64
	reqCancel context.CancelFunc

	switchMu sync.Mutex
	nextGen  uint64
	closed   bool
	worker   atomic.Pointer[WorkerHandle]

	stateMu   sync.RWMutex
	state     State
	activeGen uint64
}

func NewController(opts Options) *Controller {
	if opts.MaxWidth <= 0 {
		opts.MaxWidth = 900
	}
	if opts.MaxHeight <= 0 {
		opts.MaxHeight = 540
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetLogger("stream")
	}
	if opts.Catalog == nil {
		opts.Catalog = NewCatalog(nil)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Controller{
		opts:    opts,
		logger:  opts.Logger,
		mailbox: NewMailbox(),
		catalog: opts.Catalog,
		bus:     opts.Bus,
		ctx:     ctx,
		cancel:  cancel,
		state:   State{Kind: StateIdle},
	}
}

func (c *Controller) Catalog() *Catalog { return c.catalog }

func (c *Controller) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// CurrentFrame returns the latest published frame of the current worker
// generation, or nil. It never blocks on the worker.
func (c *Controller) CurrentFrame() *models.AnnotatedFrame {
	return c.mailbox.Latest()
}

// Updates fires after publishes; a receiver that falls behind sees one
// signal for many frames.
func (c *Controller) Updates() <-chan struct{} {
	return c.mailbox.Notify()
}

func (c *Controller) Stats() Stats {
	ms := c.mailbox.Stats()
	s := Stats{
		Generation: ms.Generation,
		Published:  ms.Published,
		Dropped:    ms.Dropped,
	}
	if w := c.worker.Load(); w != nil && w.Generation == ms.Generation {
		s.Source = w.Source().Name
		s.FPS = w.FPS()
		s.Latency = w.Latency()
	}
	return s
}

// SwitchTo replaces the current worker with one reading desc. It returns
// once the new worker is running or has ended: nil when it runs (or, for a
// still image, has published), the worker's error when it failed, and
// ErrSuperseded when a newer request took over first.
func (c *Controller) SwitchTo(ctx context.Context, desc models.SourceDescriptor) error {
	reqCtx, done := c.beginRequest(ctx)
	defer done()

	c.switchMu.Lock()
	if c.closed {
		c.switchMu.Unlock()
		return ErrShutdown
	}
	if reqCtx.Err() != nil {
		c.switchMu.Unlock()
		return c.abandoned(ctx)
	}

	c.nextGen++
	gen := c.nextGen
	c.mailbox.Reset(gen)
	c.activate(gen, State{Kind: StateSwitching, Source: desc, Message: switchingStatus(desc)})
	c.logger.Info("switching source", "source", desc.Name, "locator", desc.Locator, "generation", gen)

	c.teardownLocked()

	if reqCtx.Err() != nil {
		c.switchMu.Unlock()
		return c.abandoned(ctx)
	}

	src := capture.NewFrameSource(desc, c.opts.Opener,
		capture.WithLowLatency(c.opts.LowLatency),
		capture.WithLogger(logging.GetLogger("capture")),
	)
	w := StartWorker(c.ctx, WorkerConfig{
		Source:     src,
		Stage:      c.opts.Stage,
		Mailbox:    c.mailbox,
		Generation: gen,
		MaxWidth:   c.opts.MaxWidth,
		MaxHeight:  c.opts.MaxHeight,
		OnFrame:    c.frameHook(desc),
		Logger:     c.logger,
	})
	c.worker.Store(w)

	settled := make(chan struct{})
	c.wg.Add(1)
	go c.supervise(w, settled)
	c.switchMu.Unlock()

	select {
	case <-settled:
	case <-reqCtx.Done():
		return c.abandoned(ctx)
	}

	if desc.Media != models.MediaImage {
		select {
		case <-w.Running():
			metrics.Switch("ok")
			return nil
		default:
		}
	}

	if err := w.Err(); err != nil && !errors.Is(err, capture.ErrEndOfStream) {
		metrics.Switch("error")
		return err
	}
	metrics.Switch("ok")
	return nil
}

// LoadFile switches to a local file. A still image is read, detected and
// published once, after which the controller is Stopped.
func (c *Controller) LoadFile(ctx context.Context, path string, media models.MediaType) error {
	return c.SwitchTo(ctx, models.LocalFileSource(filepath.Base(path), path, media))
}

// ChooseLocalFile classifies path by extension and loads it. Unsupported
// files leave the current worker alone and only report a status.
func (c *Controller) ChooseLocalFile(ctx context.Context, path string) error {
	media, err := capture.ClassifyFile(path)
	if err != nil {
		c.logger.Warn("rejected local file", "path", path, "error", err)
		c.publishStatus(statusUnsupported)
		return err
	}
	return c.LoadFile(ctx, path, media)
}

// SelectSource switches to a catalog entry by name.
func (c *Controller) SelectSource(ctx context.Context, name string) error {
	desc, ok := c.catalog.Lookup(name)
	if !ok {
		c.publishStatus("Unknown source: " + truncate(name))
		return fmt.Errorf("%w: %q", ErrUnknownSource, name)
	}
	return c.SwitchTo(ctx, desc)
}

// Stop tears down the current worker and leaves the controller Stopped. A
// pending SwitchTo is cancelled. Calling it again is a no-op.
func (c *Controller) Stop() {
	c.halt(statusStopped)
}

// Shutdown stops like Stop without status text, refuses further switches
// and waits for worker goroutines to exit.
func (c *Controller) Shutdown() {
	c.halt("")

	c.switchMu.Lock()
	c.closed = true
	c.switchMu.Unlock()

	c.cancel()

	waited := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(waited)
	}()

	if c.opts.TeardownTimeout <= 0 {
		<-waited
		return
	}
	select {
	case <-waited:
	case <-time.After(c.opts.TeardownTimeout):
		c.logger.Warn("shutdown left a worker running")
	}
}

func (c *Controller) halt(message string) {
	_, done := c.beginRequest(context.Background())
	defer done()

	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	if st := c.State(); c.worker.Load() == nil && st.Kind == StateStopped && st.Message == message {
		return
	}

	c.nextGen++
	gen := c.nextGen
	c.mailbox.Reset(gen)
	c.activate(gen, State{Kind: StateStopped, Message: message})
	c.teardownLocked()

	c.logger.Info("stopped", "generation", gen)
}

// beginRequest cancels the in-flight request, if any, and registers a new
// one.
func (c *Controller) beginRequest(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)

	c.reqMu.Lock()
	if c.reqCancel != nil {
		c.reqCancel()
	}
	c.reqSeq++
	id := c.reqSeq
	c.reqCancel = cancel
	c.reqMu.Unlock()

	return ctx, func() {
		c.reqMu.Lock()
		if c.reqSeq == id {
			c.reqCancel = nil
		}
		c.reqMu.Unlock()
		cancel()
	}
}

func (c *Controller) abandoned(caller context.Context) error {
	metrics.Switch("superseded")
	if err := caller.Err(); err != nil {
		return err
	}
	return ErrSuperseded
}

// teardownLocked cancels the current worker and returns once its source is
// closed. Must hold switchMu.
func (c *Controller) teardownLocked() {
	w := c.worker.Swap(nil)
	if w == nil {
		return
	}

	w.Cancel()

	if c.opts.TeardownTimeout <= 0 {
		<-w.Done()
		return
	}

	timer := time.NewTimer(c.opts.TeardownTimeout)
	defer timer.Stop()

	select {
	case <-w.Done():
		return
	case <-timer.C:
	}

	c.logger.Warn("worker did not stop in time, closing its source",
		"worker", w.ID, "source", w.Source().Name, "timeout", c.opts.TeardownTimeout)
	if err := w.ForceClose(); err != nil {
		c.logger.Debug("force close", "error", err)
	}
}

// supervise applies the worker's lifecycle to the controller state for as
// long as its generation is the active one.
func (c *Controller) supervise(w *WorkerHandle, settled chan struct{}) {
	defer c.wg.Done()

	desc := w.Source()
	if desc.Media != models.MediaImage {
		select {
		case <-w.Running():
			c.transition(w.Generation, State{Kind: StateRunning, Source: desc})
			close(settled)
			settled = nil
		case <-w.Done():
		}
	}

	<-w.Done()
	c.transition(w.Generation, terminalState(desc, w.Err()))
	c.worker.CompareAndSwap(w, nil)

	if settled != nil {
		close(settled)
	}
}

func (c *Controller) activate(gen uint64, st State) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.activeGen = gen
	c.setStateLocked(st)
}

// transition applies st only if gen is still the active generation.
func (c *Controller) transition(gen uint64, st State) bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if gen != c.activeGen {
		return false
	}
	c.setStateLocked(st)
	return true
}

func (c *Controller) setStateLocked(st State) {
	c.state = st
	c.logger.Debug("state changed", "state", st.String(), "generation", c.activeGen)

	c.bus.Publish(events.StateChangedEvent{
		Generation: c.activeGen,
		State:      st.Kind.String(),
		Source:     st.Source.Name,
		Message:    st.Message,
		Timestamp:  time.Now(),
	})
}

func (c *Controller) publishStatus(message string) {
	c.bus.Publish(events.StatusEvent{Message: message, Timestamp: time.Now()})
}

func (c *Controller) frameHook(desc models.SourceDescriptor) func(*models.AnnotatedFrame) {
	if c.bus == nil {
		return nil
	}

	return func(f *models.AnnotatedFrame) {
		ev := events.FrameProcessedEvent{
			Source:     desc.Name,
			Generation: f.Generation,
			Seq:        f.Seq,
			Width:      f.Width(),
			Height:     f.Height(),
			Latency:    f.Latency,
			Timestamp:  f.Timestamp,
		}
		if f.Failure != nil {
			ev.Failure = f.Failure.Error()
		}
		for _, d := range f.Detections {
			ev.Detections = append(ev.Detections, events.Detection{
				Label:      d.Label,
				Confidence: d.Confidence,
				Box:        d.Box,
			})
		}
		c.bus.Publish(ev)
	}
}
