package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"wildcam/internal/logging"
	"wildcam/internal/metrics"
	"wildcam/internal/models"
)

// FrameSource owns the decode handle for one source descriptor. It is opened
// lazily on the first read and closed exactly once; a closed source is never
// read from or reopened.
//
// Live network streams in low-latency mode run a read-ahead loop that keeps
// only the newest decoded frame, so a slow consumer never sees a stale one.
type FrameSource struct {
	desc       models.SourceDescriptor
	open       OpenFunc
	lowLatency bool
	logger     logging.Logger

	mu     sync.Mutex
	dec    Decoder
	isOpen bool
	closed bool

	seq      atomic.Uint64
	failures atomic.Int32

	slot     chan slotItem
	stop     chan struct{}
	pumpDone chan struct{}
	pumpErr  error
}

type slotItem struct {
	frame *models.RawFrame
	err   error
}

type Option func(*FrameSource)

// WithLowLatency enables the one-frame read-ahead. It only applies to live
// network video streams.
func WithLowLatency(enabled bool) Option {
	return func(s *FrameSource) {
		s.lowLatency = enabled
	}
}

func WithLogger(logger logging.Logger) Option {
	return func(s *FrameSource) {
		s.logger = logger
	}
}

func NewFrameSource(desc models.SourceDescriptor, open OpenFunc, opts ...Option) *FrameSource {
	s := &FrameSource{
		desc:   desc,
		open:   open,
		logger: logging.GetLogger("capture"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lowLatency = s.lowLatency && desc.IsLive()
	return s
}

func (s *FrameSource) Descriptor() models.SourceDescriptor { return s.desc }

func (s *FrameSource) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isOpen
}

// Open opens the decoder if it is not open yet. Failures are reported as
// *OpenError and are not retried.
func (s *FrameSource) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSourceClosed
	}
	if s.isOpen {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	dec, err := s.open(ctx, s.desc, s.lowLatency)
	if err != nil {
		var oe *OpenError
		if !errors.As(err, &oe) {
			err = &OpenError{Locator: s.desc.Locator, Err: err}
		}
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Closed while the decoder was opening.
	if s.closed {
		dec.Close()
		return ErrSourceClosed
	}

	s.dec = dec
	s.isOpen = true
	metrics.SourceOpened()
	s.logger.Info("source opened", "source", s.desc.Name, "locator", s.desc.Locator, "low_latency", s.lowLatency)

	if s.lowLatency {
		s.slot = make(chan slotItem, 1)
		s.stop = make(chan struct{})
		s.pumpDone = make(chan struct{})
		go s.pump(dec)
	}

	return nil
}

// ReadNext returns the next frame, opening the source first if needed.
// Temporary failures are returned as *ReadError with Temporary set; the
// caller decides whether to call again. On a live stream every failure short
// of the end of the stream or a dead decoder is temporary.
func (s *FrameSource) ReadNext(ctx context.Context) (*models.RawFrame, error) {
	if err := s.Open(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if !s.isOpen {
		s.mu.Unlock()
		return nil, ErrSourceClosed
	}
	dec, slot, pumpDone := s.dec, s.slot, s.pumpDone
	s.mu.Unlock()

	if slot != nil {
		return s.readAhead(ctx, slot, pumpDone)
	}

	img, err := dec.ReadFrame()
	if err != nil {
		if s.isClosed() {
			return nil, ErrSourceClosed
		}
		return nil, s.classify(err)
	}

	s.failures.Store(0)
	metrics.FrameRead(s.desc.Name)
	return &models.RawFrame{Seq: s.seq.Add(1), Image: img, Timestamp: time.Now()}, nil
}

func (s *FrameSource) readAhead(ctx context.Context, slot <-chan slotItem, pumpDone <-chan struct{}) (*models.RawFrame, error) {
	select {
	case item := <-slot:
		return item.frame, item.err
	case <-pumpDone:
		select {
		case item := <-slot:
			return item.frame, item.err
		default:
		}
		return nil, s.pumpErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// pump decodes continuously and keeps only the newest frame in the slot.
func (s *FrameSource) pump(dec Decoder) {
	defer close(s.pumpDone)

	for {
		select {
		case <-s.stop:
			s.pumpErr = ErrSourceClosed
			return
		default:
		}

		img, err := dec.ReadFrame()
		if err != nil {
			if s.isClosed() {
				s.pumpErr = ErrSourceClosed
				return
			}
			err = s.classify(err)
			if IsTemporary(err) {
				// Never replace a decoded frame with a transient error.
				select {
				case s.slot <- slotItem{err: err}:
				default:
				}
				continue
			}
			s.pumpErr = err
			return
		}

		s.failures.Store(0)
		metrics.FrameRead(s.desc.Name)
		item := slotItem{frame: &models.RawFrame{Seq: s.seq.Add(1), Image: img, Timestamp: time.Now()}}

		select {
		case s.slot <- item:
		default:
			select {
			case <-s.slot:
				metrics.ReadAheadDrop(s.desc.Name)
			default:
			}
			s.slot <- item
		}
	}
}

// classify turns a decoder failure into the error ReadNext reports.
func (s *FrameSource) classify(err error) error {
	err = normalizeReadError(err)

	var re *ReadError
	if !errors.As(err, &re) || !s.desc.IsLive() || errors.Is(err, ErrDecoderExited) {
		return err
	}

	if n := s.failures.Add(1); n > maxConsecutiveReadFailures {
		return &ReadError{Err: fmt.Errorf("%d reads failed in a row: %w", n, re.Err)}
	}
	if re.Temporary {
		return err
	}
	return &ReadError{Err: re.Err, Temporary: true}
}

// Close releases the decode handle. It is safe to call more than once and
// from any goroutine; it returns after the decoder and the read-ahead loop
// have stopped.
func (s *FrameSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	wasOpen := s.isOpen
	s.isOpen = false
	dec, stop, pumpDone := s.dec, s.stop, s.pumpDone
	s.mu.Unlock()

	if !wasOpen {
		return nil
	}

	if stop != nil {
		close(stop)
	}
	err := dec.Close()
	if pumpDone != nil {
		<-pumpDone
	}

	metrics.SourceClosed()
	s.logger.Info("source closed", "source", s.desc.Name, "frames", s.seq.Load())
	return err
}

func (s *FrameSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
