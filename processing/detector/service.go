package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"net/url"
	"sync"
	"time"

	"wildcam/internal/logging"
	"wildcam/internal/models"

	"github.com/gorilla/websocket"
)

// ConfigurationError means the detection model is not usable. It is fatal at
// startup.
type ConfigurationError struct {
	Host string
	Err  error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("detector at %s not available: %v", e.Host, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

var ErrNotConnected = errors.New("detector not connected")

// RemoteDetector sends JPEG frames to a detection server over a websocket
// and reads back one JSON array of results per frame.
type RemoteDetector struct {
	host      string
	serverURL string
	dialer    *websocket.Dialer
	timeout   time.Duration
	quality   int
	logger    logging.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool
}

type RemoteOption func(*RemoteDetector)

// WithTimeout bounds one request/response round trip.
func WithTimeout(d time.Duration) RemoteOption {
	return func(r *RemoteDetector) {
		r.timeout = d
	}
}

func WithJPEGQuality(q int) RemoteOption {
	return func(r *RemoteDetector) {
		r.quality = q
	}
}

func WithRemoteLogger(logger logging.Logger) RemoteOption {
	return func(r *RemoteDetector) {
		r.logger = logger
	}
}

func NewRemoteDetector(host string, opts ...RemoteOption) *RemoteDetector {
	u := url.URL{Scheme: "ws", Host: host, Path: "/ws"}

	d := &RemoteDetector{
		host:      host,
		serverURL: u.String(),
		dialer:    websocket.DefaultDialer,
		timeout:   5 * time.Second,
		quality:   jpeg.DefaultQuality,
		logger:    logging.GetLogger("detector"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Connect dials the detection server. Failure is a *ConfigurationError.
func (d *RemoteDetector) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.dial(ctx); err != nil {
		return &ConfigurationError{Host: d.host, Err: err}
	}
	d.connected = true
	return nil
}

func (d *RemoteDetector) dial(ctx context.Context) error {
	d.logger.Info("connecting to detector server", "url", d.serverURL)

	conn, _, err := d.dialer.DialContext(ctx, d.serverURL, nil)
	if err != nil {
		return err
	}

	d.conn = conn
	d.logger.Info("connected to detection server")
	return nil
}

// Detect performs one synchronous round trip. A broken connection is dropped
// and redialled on the next call; the failed frame is not retried.
func (d *RemoteDetector) Detect(ctx context.Context, img image.Image) ([]models.DetectionResult, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: d.quality}); err != nil {
		return nil, fmt.Errorf("JPEG encode error: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed || !d.connected {
		return nil, ErrNotConnected
	}

	if d.conn == nil {
		if err := d.dial(ctx); err != nil {
			return nil, fmt.Errorf("reconnect failed: %w", err)
		}
	}

	deadline := time.Now().Add(d.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	d.conn.SetWriteDeadline(deadline)
	if err := d.conn.WriteMessage(websocket.BinaryMessage, buf.Bytes()); err != nil {
		d.dropConn(err)
		return nil, fmt.Errorf("send frame: %w", err)
	}

	d.conn.SetReadDeadline(deadline)
	_, message, err := d.conn.ReadMessage()
	if err != nil {
		d.dropConn(err)
		return nil, fmt.Errorf("read results: %w", err)
	}

	var results []models.DetectionResult
	if err := json.Unmarshal(message, &results); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}

	return results, nil
}

func (d *RemoteDetector) dropConn(cause error) {
	d.logger.Warn("connection lost", "error", cause)
	d.conn.Close()
	d.conn = nil
}

func (d *RemoteDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	if d.conn == nil {
		return nil
	}

	d.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := d.conn.Close()
	d.conn = nil
	return err
}
