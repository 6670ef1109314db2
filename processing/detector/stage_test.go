package detector

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"
	"time"

	"wildcam/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type detectorFunc func(ctx context.Context, img image.Image) ([]models.DetectionResult, error)

func (f detectorFunc) Detect(ctx context.Context, img image.Image) ([]models.DetectionResult, error) {
	return f(ctx, img)
}

func rawFrame(seq uint64, w, h int) *models.RawFrame {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 40
	}
	return &models.RawFrame{Seq: seq, Image: img, Timestamp: time.Now()}
}

func TestScaleToFit(t *testing.T) {
	tests := []struct {
		name             string
		w, h, maxW, maxH int
		wantW, wantH     int
	}{
		{"full hd into display", 1920, 1080, 900, 540, 900, 506},
		{"portrait", 1080, 1920, 900, 540, 303, 540},
		{"small frame scales up", 450, 270, 900, 540, 900, 540},
		{"already fits exactly", 900, 540, 900, 540, 900, 540},
		{"very thin keeps one pixel", 1800, 1, 900, 540, 900, 1},
		{"invalid bounds unchanged", 640, 480, 0, 540, 640, 480},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h := ScaleToFit(tt.w, tt.h, tt.maxW, tt.maxH)
			assert.Equal(t, tt.wantW, w)
			assert.Equal(t, tt.wantH, h)
		})
	}
}

func TestResizeReturnsSourceWhenSizeMatches(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 4, 4))
	assert.Same(t, src, Resize(src, 4, 4))

	dst := Resize(src, 2, 2)
	assert.NotSame(t, src, dst)
	assert.Equal(t, image.Rect(0, 0, 2, 2), dst.Bounds())
}

func TestStage_ScalesAndDraws(t *testing.T) {
	var seen image.Rectangle
	det := detectorFunc(func(_ context.Context, img image.Image) ([]models.DetectionResult, error) {
		seen = img.Bounds()
		return []models.DetectionResult{
			{Label: "zebra", Confidence: 0.9, Box: []float32{0.1, 0.1, 0.5, 0.5}},
			{Label: "shadow", Confidence: 0.3, Box: []float32{0.6, 0.6, 0.9, 0.9}},
		}, nil
	})

	stage := NewStage(det)
	out := stage.Process(context.Background(), rawFrame(7, 1920, 1080), 900, 540)

	require.NoError(t, out.Failure)
	assert.Equal(t, uint64(7), out.Seq)
	assert.Equal(t, 900, out.Width())
	assert.Equal(t, 506, out.Height())
	assert.Equal(t, image.Rect(0, 0, 900, 506), seen)

	require.Len(t, out.Detections, 1)
	assert.Equal(t, "zebra", out.Detections[0].Label)

	// Top-left corner of the kept box: y1=0.1*506, x1=0.1*900.
	assert.Equal(t, color.RGBA{0, 255, 0, 255}, out.Image.RGBAAt(90, 50))
	// Box under the threshold is not drawn.
	assert.NotEqual(t, color.RGBA{0, 255, 0, 255}, out.Image.RGBAAt(810, 455))
}

func TestStage_ThresholdOption(t *testing.T) {
	det := detectorFunc(func(context.Context, image.Image) ([]models.DetectionResult, error) {
		return []models.DetectionResult{
			{Label: "lion", Confidence: 0.45, Box: []float32{0, 0, 1, 1}},
		}, nil
	})

	out := NewStage(det, WithConfidenceThreshold(0.4)).Process(context.Background(), rawFrame(1, 10, 10), 10, 10)
	assert.Len(t, out.Detections, 1)

	out = NewStage(det).Process(context.Background(), rawFrame(1, 10, 10), 10, 10)
	assert.Empty(t, out.Detections)
	assert.NoError(t, out.Failure)
}

func TestStage_FailuresPassFrameThrough(t *testing.T) {
	tests := []struct {
		name string
		det  Detector
	}{
		{"error", detectorFunc(func(context.Context, image.Image) ([]models.DetectionResult, error) {
			return nil, errors.New("model unavailable")
		})},
		{"panic", detectorFunc(func(context.Context, image.Image) ([]models.DetectionResult, error) {
			panic("index out of range")
		})},
		{"malformed box", detectorFunc(func(context.Context, image.Image) ([]models.DetectionResult, error) {
			return []models.DetectionResult{{Label: "x", Confidence: 0.99, Box: []float32{0.5, 0.5}}}, nil
		})},
		{"inverted box", detectorFunc(func(context.Context, image.Image) ([]models.DetectionResult, error) {
			return []models.DetectionResult{{Label: "x", Confidence: 0.99, Box: []float32{0.8, 0.1, 0.2, 0.5}}}, nil
		})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := NewStage(tt.det).Process(context.Background(), rawFrame(3, 20, 10), 20, 10)

			var df *DetectionFailure
			require.ErrorAs(t, out.Failure, &df)
			assert.Equal(t, uint64(3), df.Seq)
			assert.Empty(t, out.Detections)
			require.NotNil(t, out.Image)
			// Unannotated pixels are untouched.
			assert.Equal(t, uint8(40), out.Image.Pix[0])
		})
	}
}

func TestStage_FailureDoesNotAffectNextFrame(t *testing.T) {
	calls := 0
	det := detectorFunc(func(context.Context, image.Image) ([]models.DetectionResult, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("transient model fault")
		}
		return []models.DetectionResult{{Label: "elephant", Confidence: 0.8, Box: []float32{0, 0, 1, 1}}}, nil
	})

	stage := NewStage(det)
	first := stage.Process(context.Background(), rawFrame(1, 10, 10), 10, 10)
	second := stage.Process(context.Background(), rawFrame(2, 10, 10), 10, 10)

	assert.Error(t, first.Failure)
	assert.NoError(t, second.Failure)
	assert.Len(t, second.Detections, 1)
}

func TestMalformedOutputIsDetectable(t *testing.T) {
	det := detectorFunc(func(context.Context, image.Image) ([]models.DetectionResult, error) {
		return []models.DetectionResult{{Box: []float32{0, 0, 2, 2}, Confidence: 1}}, nil
	})
	out := NewStage(det).Process(context.Background(), rawFrame(1, 4, 4), 4, 4)
	assert.ErrorIs(t, out.Failure, ErrMalformedOutput)
}
