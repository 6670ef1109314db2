package detector

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"time"

	"wildcam/internal/logging"
	"wildcam/internal/metrics"
	"wildcam/internal/models"

	"golang.org/x/image/draw"
)

const DefaultConfidenceThreshold float32 = 0.6

var ErrMalformedOutput = errors.New("malformed detector output")

// Detector runs the object-detection model on one image. Implementations are
// called from a single goroutine.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]models.DetectionResult, error)
}

// DetectionFailure records a detector fault for one frame. The frame is
// still published, unannotated.
type DetectionFailure struct {
	Seq uint64
	Err error
}

func (e *DetectionFailure) Error() string {
	return fmt.Sprintf("detection failed on frame %d: %v", e.Seq, e.Err)
}

func (e *DetectionFailure) Unwrap() error { return e.Err }

// Stage scales a raw frame to the display bounds, runs the detector and draws
// the boxes that pass the confidence threshold. It keeps no state between
// frames.
type Stage struct {
	det       Detector
	threshold float32
	boxColor  color.RGBA
	thickness int
	logger    logging.Logger
}

type StageOption func(*Stage)

func WithConfidenceThreshold(threshold float32) StageOption {
	return func(s *Stage) {
		s.threshold = threshold
	}
}

func WithBoxColor(c color.RGBA) StageOption {
	return func(s *Stage) {
		s.boxColor = c
	}
}

func WithStageLogger(logger logging.Logger) StageOption {
	return func(s *Stage) {
		s.logger = logger
	}
}

func NewStage(det Detector, opts ...StageOption) *Stage {
	s := &Stage{
		det:       det,
		threshold: DefaultConfidenceThreshold,
		boxColor:  color.RGBA{0, 255, 0, 255},
		thickness: 3,
		logger:    logging.GetLogger("detector"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Process never fails: detector faults come back as a frame whose Failure
// field holds a *DetectionFailure.
func (s *Stage) Process(ctx context.Context, frame *models.RawFrame, maxW, maxH int) *models.AnnotatedFrame {
	start := time.Now()

	w, h := ScaleToFit(frame.Width(), frame.Height(), maxW, maxH)
	scaled := Resize(frame.Image, w, h)

	out := &models.AnnotatedFrame{
		Seq:       frame.Seq,
		Image:     scaled,
		Timestamp: frame.Timestamp,
	}

	results, err := s.detect(ctx, scaled)
	if err == nil {
		results, err = s.filter(results)
	}

	if err != nil {
		out.Failure = &DetectionFailure{Seq: frame.Seq, Err: err}
		s.logger.Warn("detection failed, passing frame through", "seq", frame.Seq, "error", err)
	} else {
		out.Detections = results
		drawDetections(scaled, results, s.boxColor, s.thickness)
	}

	out.Latency = time.Since(start)
	return out
}

func (s *Stage) detect(ctx context.Context, img *image.RGBA) (results []models.DetectionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("detector panic: %v", r)
		}
	}()

	start := time.Now()
	results, err = s.det.Detect(ctx, img)
	metrics.ObserveDetection(time.Since(start))
	return results, err
}

// filter drops results under the threshold and rejects the whole output if
// any box is malformed.
func (s *Stage) filter(results []models.DetectionResult) ([]models.DetectionResult, error) {
	kept := results[:0:0]
	for i, r := range results {
		if !validBox(r.Box) {
			return nil, fmt.Errorf("%w: result %d box %v", ErrMalformedOutput, i, r.Box)
		}
		if r.Confidence < s.threshold {
			continue
		}
		kept = append(kept, r)
	}
	return kept, nil
}

func validBox(box []float32) bool {
	if len(box) != 4 {
		return false
	}
	for _, v := range box {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) || v < 0 || v > 1 {
			return false
		}
	}
	return box[0] <= box[2] && box[1] <= box[3]
}

// ScaleToFit returns the largest size with the same aspect ratio that fits
// within maxW x maxH. Both dimensions are floored.
func ScaleToFit(width, height, maxW, maxH int) (int, int) {
	if width <= 0 || height <= 0 || maxW <= 0 || maxH <= 0 {
		return width, height
	}

	scale := math.Min(float64(maxW)/float64(width), float64(maxH)/float64(height))
	newW := int(float64(width) * scale)
	newH := int(float64(height) * scale)

	return max(newW, 1), max(newH, 1)
}

// Resize scales src to w x h. src is returned unchanged when it already has
// that size; callers own the frame they pass in.
func Resize(src *image.RGBA, w, h int) *image.RGBA {
	b := src.Bounds()
	if b.Dx() == w && b.Dy() == h {
		return src
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}
