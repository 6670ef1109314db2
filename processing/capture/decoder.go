package capture

import (
	"context"
	"errors"
	"fmt"
	"image"

	"wildcam/internal/models"
)

var (
	ErrOpen              = errors.New("source open failed")
	ErrEndOfStream       = errors.New("end of stream")
	ErrSourceClosed      = errors.New("source closed")
	ErrUnsupportedFormat = errors.New("unsupported file format")

	// ErrDecoderExited marks a read failure after the decoder process has
	// gone away. It is never retried, even on a live stream.
	ErrDecoderExited = errors.New("decoder exited")
)

// maxConsecutiveReadFailures bounds how long a live stream keeps retrying
// reads without getting a frame.
const maxConsecutiveReadFailures = 50

// Decoder is an open decode handle for one source. ReadFrame blocks until the
// next frame is decoded and returns a freshly allocated image each call.
// Close must unblock a pending ReadFrame.
type Decoder interface {
	ReadFrame() (*image.RGBA, error)
	Close() error
}

// OpenFunc opens a decoder for desc. lowLatency asks the decoder to keep its
// own read-ahead as small as it can.
type OpenFunc func(ctx context.Context, desc models.SourceDescriptor, lowLatency bool) (Decoder, error)

// OpenError reports a source that could not be reached or decoded.
type OpenError struct {
	Locator string
	Err     error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open %s: %v", e.Locator, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

// ReadError is a failed read that is not the end of the stream. Temporary
// errors may be retried by calling ReadNext again.
type ReadError struct {
	Err       error
	Temporary bool
}

func (e *ReadError) Error() string {
	if e.Temporary {
		return fmt.Sprintf("transient read error: %v", e.Err)
	}
	return fmt.Sprintf("read error: %v", e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// IsTemporary reports whether err is a ReadError worth retrying.
func IsTemporary(err error) bool {
	var re *ReadError
	return errors.As(err, &re) && re.Temporary
}

func normalizeReadError(err error) error {
	var re *ReadError
	switch {
	case errors.Is(err, ErrEndOfStream),
		errors.Is(err, ErrSourceClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &re):
		return err
	default:
		return &ReadError{Err: err}
	}
}
