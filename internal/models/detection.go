package models

// DetectionResult is one object reported by the detector server.
// Box holds normalized coordinates in the order y1, x1, y2, x2.
type DetectionResult struct {
	Label      string    `json:"label"`
	Confidence float32   `json:"confidence"`
	Box        []float32 `json:"box"`
}

type Box struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// PixelBox converts the normalized box to pixel coordinates for an image
// of the given size. ok is false when the box does not have four values.
func (r DetectionResult) PixelBox(width, height int) (Box, bool) {
	if len(r.Box) != 4 {
		return Box{}, false
	}

	w := float32(width)
	h := float32(height)

	return Box{
		Y1: int(r.Box[0] * h),
		X1: int(r.Box[1] * w),
		Y2: int(r.Box[2] * h),
		X2: int(r.Box[3] * w),
	}, true
}
