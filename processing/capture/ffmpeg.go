package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"wildcam/internal/models"
)

const bytesPerPixel = 4

type FFmpegOptions struct {
	FFmpegPath  string
	FFprobePath string

	// OpenTimeout bounds the ffprobe run that checks the source before
	// decoding starts.
	OpenTimeout time.Duration
}

func DefaultFFmpegOptions() FFmpegOptions {
	return FFmpegOptions{
		FFmpegPath:  "ffmpeg",
		FFprobePath: "ffprobe",
		OpenTimeout: 15 * time.Second,
	}
}

// ffmpegDecoder reads raw RGBA frames from an ffmpeg process writing to a pipe.
type ffmpegDecoder struct {
	width     int
	height    int
	frameSize int

	stdout io.ReadCloser
	stderr *tailWriter

	kill     func() error
	waitFn   func() error
	waitOnce sync.Once
	waitErr  error

	closeOnce sync.Once
}

func openFFmpeg(ctx context.Context, desc models.SourceDescriptor, lowLatency bool, opts FFmpegOptions) (Decoder, error) {
	infoCtx := ctx
	if opts.OpenTimeout > 0 {
		var cancel context.CancelFunc
		infoCtx, cancel = context.WithTimeout(ctx, opts.OpenTimeout)
		defer cancel()
	}

	width, height, err := videoDimensions(infoCtx, opts.FFprobePath, desc.Locator)
	if err != nil {
		return nil, &OpenError{Locator: desc.Locator, Err: fmt.Errorf("failed to read video info: %w", err)}
	}

	cmd := exec.Command(opts.FFmpegPath, buildArgs(desc, lowLatency)...)
	setupProcessGroup(cmd)

	stderr := &tailWriter{limit: 512}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &OpenError{Locator: desc.Locator, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &OpenError{Locator: desc.Locator, Err: fmt.Errorf("ffmpeg start error: %w", err)}
	}

	return &ffmpegDecoder{
		width:     width,
		height:    height,
		frameSize: width * height * bytesPerPixel,
		stdout:    stdout,
		stderr:    stderr,
		kill:      func() error { return killProcessGroup(cmd) },
		waitFn:    cmd.Wait,
	}, nil
}

func buildArgs(desc models.SourceDescriptor, lowLatency bool) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}

	if lowLatency {
		args = append(args, "-fflags", "nobuffer", "-flags", "low_delay")
	}
	if desc.Kind == models.SourceLocalFile && desc.Media == models.MediaVideoStream {
		// Play files at their own frame rate.
		args = append(args, "-re")
	}

	args = append(args, "-i", desc.Locator, "-an")

	if desc.Media == models.MediaImage {
		args = append(args, "-frames:v", "1")
	}

	return append(args,
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-",
	)
}

func (d *ffmpegDecoder) ReadFrame() (*image.RGBA, error) {
	pixelData := make([]byte, d.frameSize)

	_, err := io.ReadFull(d.stdout, pixelData)
	switch {
	case err == nil:
		return &image.RGBA{
			Pix:    pixelData,
			Stride: d.width * bytesPerPixel,
			Rect:   image.Rect(0, 0, d.width, d.height),
		}, nil

	case errors.Is(err, io.EOF):
		if waitErr := d.wait(); waitErr != nil {
			return nil, &ReadError{Err: fmt.Errorf("%w: %w", ErrDecoderExited, d.describe(waitErr))}
		}
		return nil, ErrEndOfStream

	case errors.Is(err, io.ErrUnexpectedEOF):
		d.wait()
		return nil, &ReadError{Err: fmt.Errorf("%w: %w", ErrDecoderExited, d.describe(errors.New("truncated frame")))}

	default:
		return nil, &ReadError{Err: err}
	}
}

func (d *ffmpegDecoder) Close() error {
	var err error
	d.closeOnce.Do(func() {
		err = d.kill()
		d.wait()
	})
	return err
}

func (d *ffmpegDecoder) wait() error {
	d.waitOnce.Do(func() {
		d.waitErr = d.waitFn()
	})
	return d.waitErr
}

func (d *ffmpegDecoder) describe(err error) error {
	if d.stderr == nil {
		return err
	}
	if msg := strings.TrimSpace(d.stderr.String()); msg != "" {
		return fmt.Errorf("%w: %s", err, msg)
	}
	return err
}

type streamInfo struct {
	Streams []struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"streams"`
}

func videoDimensions(ctx context.Context, ffprobe, locator string) (int, int, error) {
	cmd := exec.CommandContext(ctx, ffprobe,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height",
		"-of", "json",
		locator,
	)

	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return 0, 0, fmt.Errorf("%w: %s", err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return 0, 0, err
	}

	return parseStreamInfo(output)
}

func parseStreamInfo(output []byte) (int, int, error) {
	var data streamInfo
	if err := json.Unmarshal(output, &data); err != nil {
		return 0, 0, err
	}

	if len(data.Streams) == 0 {
		return 0, 0, fmt.Errorf("no video streams found")
	}

	w, h := data.Streams[0].Width, data.Streams[0].Height
	if w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("invalid video dimensions %dx%d", w, h)
	}

	return w, h, nil
}

// tailWriter keeps the last limit bytes written to it.
type tailWriter struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	if over := len(w.buf) - w.limit; over > 0 {
		w.buf = w.buf[over:]
	}
	return len(p), nil
}

func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(w.buf)
}
