package detector

import (
	"image"
	"image/color"

	"wildcam/internal/models"
)

func drawDetections(img *image.RGBA, results []models.DetectionResult, col color.Color, thickness int) {
	bounds := img.Bounds()
	for _, res := range results {
		box, ok := res.PixelBox(bounds.Dx(), bounds.Dy())
		if !ok {
			continue
		}
		drawRect(img, box.Y1, box.X1, box.Y2, box.X2, col, thickness)
	}
}

func drawRect(img *image.RGBA, y1, x1, y2, x2 int, col color.Color, thickness int) {
	bounds := img.Bounds()

	setPixel := func(x, y int) {
		if x >= bounds.Min.X && x < bounds.Max.X && y >= bounds.Min.Y && y < bounds.Max.Y {
			img.Set(x, y, col)
		}
	}

	for t := 0; t < thickness; t++ {
		for x := x1; x <= x2; x++ {
			setPixel(x, y1+t)
			setPixel(x, y2-t)
		}
		for y := y1; y <= y2; y++ {
			setPixel(x1+t, y)
			setPixel(x2-t, y)
		}
	}
}
