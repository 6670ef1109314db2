package models

import (
	"image"
	"time"
)

// RawFrame is a single decoded image. Seq is assigned by the FrameSource that
// produced it and grows monotonically; gaps mean frames were dropped.
// Pixel data is never shared between frames.
type RawFrame struct {
	Seq       uint64
	Image     *image.RGBA
	Timestamp time.Time
}

func (f *RawFrame) Width() int  { return f.Image.Bounds().Dx() }
func (f *RawFrame) Height() int { return f.Image.Bounds().Dy() }

// AnnotatedFrame is a scaled frame with the detector overlay drawn on it.
// It must not be modified once published.
type AnnotatedFrame struct {
	Seq        uint64
	Generation uint64
	Image      *image.RGBA
	Detections []DetectionResult

	// Failure is set when detection failed and Image is the unannotated
	// scaled frame.
	Failure error

	Timestamp time.Time
	Latency   time.Duration
}

func (f *AnnotatedFrame) Width() int  { return f.Image.Bounds().Dx() }
func (f *AnnotatedFrame) Height() int { return f.Image.Bounds().Dy() }
