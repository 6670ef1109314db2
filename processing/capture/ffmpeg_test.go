package capture

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"wildcam/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildArgs(t *testing.T) {
	t.Run("live stream low latency", func(t *testing.T) {
		args := strings.Join(buildArgs(liveDesc, true), " ")
		assert.Contains(t, args, "-fflags nobuffer -flags low_delay")
		assert.Contains(t, args, "-i "+liveDesc.Locator)
		assert.NotContains(t, args, "-re")
		assert.True(t, strings.HasSuffix(args, "-f rawvideo -pix_fmt rgba -"))
	})

	t.Run("local file paced", func(t *testing.T) {
		args := strings.Join(buildArgs(fileDesc, false), " ")
		assert.Contains(t, args, "-re -i /tmp/clip.mp4")
		assert.NotContains(t, args, "nobuffer")
	})

	t.Run("single image", func(t *testing.T) {
		desc := models.SourceDescriptor{Name: "cam", Kind: models.SourceNetwork, Locator: "https://x/y.jpg", Media: models.MediaImage}
		args := strings.Join(buildArgs(desc, false), " ")
		assert.Contains(t, args, "-frames:v 1")
	})
}

func TestParseStreamInfo(t *testing.T) {
	w, h, err := parseStreamInfo([]byte(`{"streams":[{"width":1920,"height":1080}]}`))
	require.NoError(t, err)
	assert.Equal(t, 1920, w)
	assert.Equal(t, 1080, h)

	_, _, err = parseStreamInfo([]byte(`{"streams":[]}`))
	assert.Error(t, err)

	_, _, err = parseStreamInfo([]byte(`{"streams":[{"width":0,"height":0}]}`))
	assert.Error(t, err)

	_, _, err = parseStreamInfo([]byte(`not json`))
	assert.Error(t, err)
}

func newPipeDecoder(data []byte, waitErr error) *ffmpegDecoder {
	return &ffmpegDecoder{
		width:     2,
		height:    1,
		frameSize: 2 * 1 * bytesPerPixel,
		stdout:    io.NopCloser(bytes.NewReader(data)),
		stderr:    &tailWriter{limit: 64},
		kill:      func() error { return nil },
		waitFn:    func() error { return waitErr },
	}
}

func TestFFmpegDecoder_ReadsWholeFrames(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	dec := newPipeDecoder(data, nil)

	first, err := dec.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, 2, first.Bounds().Dx())
	assert.Equal(t, 8, first.Stride)
	assert.Equal(t, data[:8], first.Pix)

	second, err := dec.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, data[8:], second.Pix)

	// Frames never share a buffer.
	first.Pix[0] = 99
	assert.Equal(t, byte(9), second.Pix[0])

	_, err = dec.ReadFrame()
	assert.ErrorIs(t, err, ErrEndOfStream)
	assert.NoError(t, dec.Close())
}

func TestFFmpegDecoder_TruncatedFrame(t *testing.T) {
	dec := newPipeDecoder([]byte{1, 2, 3}, nil)
	dec.stderr.Write([]byte("Invalid data found when processing input\n"))

	_, err := dec.ReadFrame()
	var re *ReadError
	require.ErrorAs(t, err, &re)
	assert.False(t, re.Temporary)
	assert.ErrorIs(t, err, ErrDecoderExited)
	assert.Contains(t, err.Error(), "Invalid data found")
}

func TestFFmpegDecoder_ProcessFailureAtEOF(t *testing.T) {
	dec := newPipeDecoder(nil, errors.New("exit status 1"))

	_, err := dec.ReadFrame()
	var re *ReadError
	require.ErrorAs(t, err, &re)
	assert.NotErrorIs(t, err, ErrEndOfStream)
	assert.ErrorIs(t, err, ErrDecoderExited)
}

func TestTailWriterKeepsLastBytes(t *testing.T) {
	w := &tailWriter{limit: 4}
	w.Write([]byte("abc"))
	w.Write([]byte("defg"))
	assert.Equal(t, "defg", w.String())
}
