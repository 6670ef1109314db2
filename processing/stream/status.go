package stream

import (
	"errors"

	"wildcam/internal/models"
	"wildcam/processing/capture"
)

const maxStatusLen = 50

const (
	statusStopped     = "Stopped"
	statusOpenStream  = "Failed to open stream"
	statusOpenVideo   = "Could not open the video file"
	statusOpenImage   = "Failed to load image"
	statusUnsupported = "Unsupported file format"
)

func switchingStatus(desc models.SourceDescriptor) string {
	return "Changing to " + desc.Name + "..."
}

// terminalState maps the way a worker ended to the controller state shown
// to the user. A clean finish or end of stream leaves the last frame on
// screen with no status text.
func terminalState(desc models.SourceDescriptor, err error) State {
	switch {
	case err == nil, errors.Is(err, capture.ErrEndOfStream), errors.Is(err, capture.ErrSourceClosed):
		return State{Kind: StateStopped, Source: desc}
	case errors.Is(err, capture.ErrOpen):
		return State{Kind: StateError, Source: desc, Message: openFailureStatus(desc)}
	case desc.IsLive():
		return State{Kind: StateError, Source: desc, Message: "Stream error: " + truncate(err.Error())}
	default:
		return State{Kind: StateError, Source: desc, Message: "Processing error: " + truncate(err.Error())}
	}
}

func openFailureStatus(desc models.SourceDescriptor) string {
	switch {
	case desc.Media == models.MediaImage:
		return statusOpenImage
	case desc.Kind == models.SourceLocalFile:
		return statusOpenVideo
	default:
		return statusOpenStream
	}
}

// truncate shortens s to maxStatusLen runes.
func truncate(s string) string {
	r := []rune(s)
	if len(r) <= maxStatusLen {
		return s
	}
	return string(r[:maxStatusLen])
}
