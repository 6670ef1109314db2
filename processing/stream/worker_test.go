package stream

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"wildcam/internal/models"
	"wildcam/processing/capture"
	"wildcam/processing/detector"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestWorker(t *testing.T, o *fakeOpener, desc models.SourceDescriptor, stage Processor, onFrame func(*models.AnnotatedFrame)) (*WorkerHandle, *Mailbox) {
	t.Helper()

	mb := NewMailbox()
	mb.Reset(1)

	src := capture.NewFrameSource(desc, o.Open, capture.WithLowLatency(true))
	w := StartWorker(context.Background(), WorkerConfig{
		Source:     src,
		Stage:      stage,
		Mailbox:    mb,
		Generation: 1,
		MaxWidth:   16,
		MaxHeight:  16,
		OnFrame:    onFrame,
	})
	t.Cleanup(func() {
		w.Cancel()
		<-w.Done()
	})
	return w, mb
}

func waitDone(t *testing.T, w *WorkerHandle) {
	t.Helper()
	select {
	case <-w.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not finish")
	}
}

func TestWorker_PlaysFileToEnd(t *testing.T) {
	o := newFakeOpener()
	o.set("/clips/herd.mp4", fakeMedia{frames: 5})

	var mu sync.Mutex
	var seqs []uint64
	w, mb := startTestWorker(t, o, models.LocalFileSource("herd", "/clips/herd.mp4", models.MediaVideoStream),
		passthroughStage(), func(f *models.AnnotatedFrame) {
			mu.Lock()
			seqs = append(seqs, f.Seq)
			mu.Unlock()
		})

	waitDone(t, w)

	assert.ErrorIs(t, w.Err(), capture.ErrEndOfStream)
	assert.Equal(t, WorkerStopped, w.State())
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, seqs)

	last := mb.Latest()
	require.NotNil(t, last)
	assert.Equal(t, uint64(5), last.Seq)
	assert.Equal(t, uint64(1), last.Generation)
	assert.Equal(t, 16, last.Width())
	assert.Equal(t, 9, last.Height())
	assert.Equal(t, int32(0), o.open.Load())
}

func TestWorker_OpenFailureSkipsLoop(t *testing.T) {
	o := newFakeOpener()
	desc := live("gone")
	o.set(desc.Locator, fakeMedia{openErr: errors.New("connection refused")})

	w, mb := startTestWorker(t, o, desc, passthroughStage(), nil)
	waitDone(t, w)

	assert.ErrorIs(t, w.Err(), capture.ErrOpen)
	select {
	case <-w.Running():
		t.Fatal("worker reported running after open failure")
	default:
	}
	assert.Nil(t, mb.Latest())
}

func TestWorker_TransientErrorsAreRetried(t *testing.T) {
	o := newFakeOpener()
	o.set("/clips/noisy.mp4", fakeMedia{frames: 4, transient: map[int]bool{2: true, 3: true}})

	w, mb := startTestWorker(t, o, models.LocalFileSource("noisy", "/clips/noisy.mp4", models.MediaVideoStream),
		passthroughStage(), nil)
	waitDone(t, w)

	// Reads 2 and 3 failed; reads 1 and 4 produced frames.
	assert.ErrorIs(t, w.Err(), capture.ErrEndOfStream)
	assert.Equal(t, uint64(2), mb.Latest().Seq)
	assert.Equal(t, uint64(2), mb.Stats().Published)
}

func TestWorker_LiveReadHiccupsAreRetried(t *testing.T) {
	o := newFakeOpener()
	desc := live("Savanna")
	o.set(desc.Locator, fakeMedia{frames: 5, hiccups: map[int]bool{2: true, 3: true}, delay: time.Millisecond})

	w, mb := startTestWorker(t, o, desc, passthroughStage(), nil)
	waitDone(t, w)

	// Reads 2 and 3 failed without a type; the stream went on to its end.
	assert.ErrorIs(t, w.Err(), capture.ErrEndOfStream)
	assert.Equal(t, uint64(3), mb.Latest().Seq)
}

func TestWorker_FatalReadErrorEnds(t *testing.T) {
	o := newFakeOpener()
	o.set("/clips/bad.mp4", fakeMedia{fatalAt: 3})

	w, _ := startTestWorker(t, o, models.LocalFileSource("bad", "/clips/bad.mp4", models.MediaVideoStream),
		passthroughStage(), nil)
	waitDone(t, w)

	var re *capture.ReadError
	require.ErrorAs(t, w.Err(), &re)
	assert.False(t, re.Temporary)
}

func TestWorker_DetectionFailureDoesNotStopLoop(t *testing.T) {
	o := newFakeOpener()
	o.set("/clips/four.mp4", fakeMedia{frames: 4})

	calls := 0
	stage := detector.NewStage(detectorFunc(func(context.Context, image.Image) ([]models.DetectionResult, error) {
		calls++
		if calls == 2 {
			return nil, errors.New("inference failed")
		}
		return []models.DetectionResult{{Label: "zebra", Confidence: 0.9, Box: []float32{0, 0, 1, 1}}}, nil
	}))

	var mu sync.Mutex
	frames := map[uint64]*models.AnnotatedFrame{}
	w, _ := startTestWorker(t, o, models.LocalFileSource("four", "/clips/four.mp4", models.MediaVideoStream),
		stage, func(f *models.AnnotatedFrame) {
			mu.Lock()
			frames[f.Seq] = f
			mu.Unlock()
		})
	waitDone(t, w)

	require.Len(t, frames, 4)
	var df *detector.DetectionFailure
	assert.ErrorAs(t, frames[2].Failure, &df)
	assert.Empty(t, frames[2].Detections)
	assert.NoError(t, frames[3].Failure)
	assert.Len(t, frames[3].Detections, 1)
}

func TestWorker_StillImagePublishesOnce(t *testing.T) {
	o := newFakeOpener()

	published := 0
	w, mb := startTestWorker(t, o, models.LocalFileSource("lion.jpg", "/photos/lion.jpg", models.MediaImage),
		passthroughStage(), func(*models.AnnotatedFrame) { published++ })
	waitDone(t, w)

	assert.NoError(t, w.Err())
	assert.Equal(t, 1, published)
	assert.Equal(t, uint64(1), mb.Stats().Published)
	assert.Equal(t, []string{"/photos/lion.jpg"}, o.openedLocators())
}

func TestWorker_CancelReleasesSource(t *testing.T) {
	o := newFakeOpener()
	desc := live("savanna")

	w, mb := startTestWorker(t, o, desc, passthroughStage(), nil)

	select {
	case <-w.Running():
	case <-time.After(3 * time.Second):
		t.Fatal("worker never started running")
	}
	for mb.Latest() == nil {
		time.Sleep(time.Millisecond)
	}

	w.Cancel()
	waitDone(t, w)

	assert.NoError(t, w.Err())
	assert.Equal(t, int32(0), o.open.Load())
}

type panickingStage struct{}

func (panickingStage) Process(context.Context, *models.RawFrame, int, int) *models.AnnotatedFrame {
	panic("overlay buffer exhausted")
}

func TestWorker_PanicBecomesError(t *testing.T) {
	o := newFakeOpener()

	w, _ := startTestWorker(t, o, live("crashy"), panickingStage{}, nil)
	waitDone(t, w)

	require.Error(t, w.Err())
	assert.Contains(t, w.Err().Error(), "overlay buffer exhausted")
	assert.Equal(t, int32(0), o.open.Load())
}
