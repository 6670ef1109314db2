package capture

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"wildcam/internal/models"
)

var (
	ImageExtensions = []string{".jpg", ".jpeg", ".png"}
	VideoExtensions = []string{".mp4", ".avi", ".mov"}
)

// NewOpener returns the OpenFunc used in production: still local images are
// decoded in process, everything else goes through ffmpeg.
func NewOpener(opts FFmpegOptions) OpenFunc {
	return func(ctx context.Context, desc models.SourceDescriptor, lowLatency bool) (Decoder, error) {
		switch {
		case desc.Kind == models.SourceLocalFile && desc.Media == models.MediaImage:
			return openImage(desc.Locator)
		case desc.Kind == models.SourceLocalFile, desc.Kind == models.SourceNetwork:
			return openFFmpeg(ctx, desc, lowLatency, opts)
		default:
			return nil, &OpenError{Locator: desc.Locator, Err: fmt.Errorf("unknown source kind: %s", desc.Kind)}
		}
	}
}

// ClassifyFile picks the media type of a local file from its extension.
func ClassifyFile(path string) (models.MediaType, error) {
	ext := strings.ToLower(filepath.Ext(path))

	for _, e := range ImageExtensions {
		if ext == e {
			return models.MediaImage, nil
		}
	}
	for _, e := range VideoExtensions {
		if ext == e {
			return models.MediaVideoStream, nil
		}
	}

	return 0, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
}

// SupportedExtensions lists every extension ClassifyFile accepts.
func SupportedExtensions() []string {
	exts := make([]string, 0, len(ImageExtensions)+len(VideoExtensions))
	exts = append(exts, ImageExtensions...)
	return append(exts, VideoExtensions...)
}
