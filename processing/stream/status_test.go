package stream

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"wildcam/internal/config"
	"wildcam/internal/models"
	"wildcam/processing/capture"

	"github.com/stretchr/testify/assert"
)

func TestTerminalState(t *testing.T) {
	stream := models.NetworkSource("Savanna", "https://cams.example/savanna.m3u8")
	video := models.LocalFileSource("herd.mp4", "/clips/herd.mp4", models.MediaVideoStream)
	still := models.LocalFileSource("lion.jpg", "/photos/lion.jpg", models.MediaImage)

	openErr := &capture.OpenError{Locator: "x", Err: errors.New("refused")}
	long := errors.New(strings.Repeat("x", 80))

	tests := []struct {
		name    string
		desc    models.SourceDescriptor
		err     error
		kind    StateKind
		message string
	}{
		{"clean finish", stream, nil, StateStopped, ""},
		{"end of file", video, fmt.Errorf("read: %w", capture.ErrEndOfStream), StateStopped, ""},
		{"source closed", stream, capture.ErrSourceClosed, StateStopped, ""},
		{"stream open", stream, openErr, StateError, "Failed to open stream"},
		{"video open", video, openErr, StateError, "Could not open the video file"},
		{"image open", still, openErr, StateError, "Failed to load image"},
		{"stream failure", stream, long, StateError, "Stream error: " + strings.Repeat("x", 50)},
		{"file failure", video, errors.New("decoder crashed"), StateError, "Processing error: decoder crashed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := terminalState(tt.desc, tt.err)
			assert.Equal(t, tt.kind, st.Kind)
			assert.Equal(t, tt.message, st.Message)
			assert.Equal(t, tt.desc, st.Source)
		})
	}
}

func TestTruncateCountsRunes(t *testing.T) {
	s := strings.Repeat("é", 60)
	assert.Equal(t, 50, len([]rune(truncate(s))))
	assert.Equal(t, "short", truncate("short"))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running(Savanna)", State{Kind: StateRunning, Source: models.NetworkSource("Savanna", "u")}.String())
	assert.Equal(t, "error(Failed to open stream)", State{Kind: StateError, Message: "Failed to open stream"}.String())
	assert.Equal(t, "idle", State{}.String())
	assert.Equal(t, "Changing to Giraffe...", switchingStatus(models.NetworkSource("Giraffe", "u")))
}

func TestCatalog(t *testing.T) {
	c := NewCatalog([]config.StreamConfig{
		{Name: "Savanna", URL: "https://a"},
		{Name: "", URL: "https://skipped"},
		{Name: "Elephants", URL: "https://b"},
		{Name: "Savanna", URL: "https://c"},
	})

	assert.Equal(t, []string{"Savanna", "Elephants"}, c.Names())

	desc, ok := c.Lookup("Savanna")
	assert.True(t, ok)
	assert.Equal(t, "https://c", desc.Locator)
	assert.True(t, desc.IsLive())

	c.Update([]config.StreamConfig{{Name: "Giraffe", URL: "https://d"}})
	assert.Equal(t, []string{"Giraffe"}, c.Names())
	_, ok = c.Lookup("Savanna")
	assert.False(t, ok)
}
