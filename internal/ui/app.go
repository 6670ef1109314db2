package ui

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"wildcam/internal/config"
	"wildcam/internal/events"
	"wildcam/internal/logging"
	"wildcam/internal/models"
	"wildcam/internal/ui/cwidget"
	"wildcam/processing/capture"
	"wildcam/processing/stream"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/app"
	"fyne.io/fyne/v2/canvas"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/dialog"
	"fyne.io/fyne/v2/storage"
	"fyne.io/fyne/v2/theme"
	"fyne.io/fyne/v2/widget"
)

type DetectApp struct {
	fyneApp fyne.App
	mainWin fyne.Window

	config     *config.Config
	configPath string
	ctrl       *stream.Controller
	bus        *events.Bus
	logger     logging.Logger

	sourceButtons *fyne.Container

	videoCanvas  *canvas.Image
	statusLabel  *widget.Label
	latencyLabel *widget.Label
	fpsLabel     *widget.Label

	// minGeneration is the generation of the latest switch; older frames
	// are never drawn.
	minGeneration atomic.Uint64

	stopChan chan struct{}
	unsubs   []func()
}

func CreateApp(ctrl *stream.Controller, bus *events.Bus, cfg *config.Config, configPath string) *DetectApp {
	a := app.New()
	w := a.NewWindow("Wildlife Detection")

	w.Resize(fyne.NewSize(1200, 640))

	return &DetectApp{
		fyneApp:    a,
		mainWin:    w,
		config:     cfg,
		configPath: configPath,
		ctrl:       ctrl,
		bus:        bus,
		logger:     logging.GetLogger("ui"),
		stopChan:   make(chan struct{}),
	}
}

func (a *DetectApp) Run() {
	maxW, maxH := a.config.GetDisplayBounds()

	a.videoCanvas = canvas.NewImageFromImage(nil)
	a.videoCanvas.FillMode = canvas.ImageFillContain
	a.videoCanvas.SetMinSize(fyne.NewSize(float32(maxW), float32(maxH)))

	a.statusLabel = widget.NewLabelWithStyle("", fyne.TextAlignCenter, fyne.TextStyle{Bold: true})
	a.statusLabel.Hide()

	a.latencyLabel = widget.NewLabel(a.formatLatency(0))
	a.fpsLabel = widget.NewLabel(a.formatFPS(0))

	videoContainer := container.NewBorder(
		container.NewHBox(a.fpsLabel, widget.NewSeparator(), a.latencyLabel),
		nil, nil, nil,
		container.NewStack(a.videoCanvas, container.NewCenter(a.statusLabel)),
	)

	a.sourceButtons = container.NewVBox()
	a.rebuildSourceButtons(a.ctrl.Catalog().Names())

	sidebar := container.NewVBox(
		widget.NewLabelWithStyle("Sources", fyne.TextAlignLeading, fyne.TextStyle{Bold: true}),
		widget.NewSeparator(),
		a.sourceButtons,
		widget.NewButtonWithIcon("Your own", theme.FolderOpenIcon(), a.chooseFile),
		a.customSourceInput(),
		widget.NewSeparator(),
		widget.NewButtonWithIcon("STOP", theme.MediaStopIcon(), func() {
			go a.ctrl.Stop()
		}),
		widget.NewSeparator(),
		a.displaySettings(),
	)

	split := container.NewHSplit(
		container.NewPadded(sidebar),
		container.NewPadded(videoContainer),
	)
	split.SetOffset(0.22)

	a.mainWin.SetContent(split)

	a.subscribe()
	go a.runPlayerLoop()
	go a.runStatLoop()
	go a.startDefaultSource()

	a.mainWin.SetCloseIntercept(func() {
		a.shutdown()
		a.mainWin.Close()
	})

	a.mainWin.CenterOnScreen()
	a.mainWin.ShowAndRun()
}

func (a *DetectApp) shutdown() {
	close(a.stopChan)
	for _, unsub := range a.unsubs {
		unsub()
	}
	a.ctrl.Shutdown()

	if a.configPath != "" {
		if err := a.config.Save(a.configPath); err != nil {
			a.logger.Warn("failed to save config", "path", a.configPath, "error", err)
		}
	}
}

func (a *DetectApp) subscribe() {
	a.unsubs = append(a.unsubs,
		a.bus.Subscribe(func(e events.StateChangedEvent) {
			fyne.Do(func() {
				a.applyState(e)
			})
		}),
		a.bus.Subscribe(func(e events.StatusEvent) {
			fyne.Do(func() {
				a.showStatus(e.Message)
			})
		}),
		a.bus.Subscribe(func(e events.CatalogUpdatedEvent) {
			fyne.Do(func() {
				a.rebuildSourceButtons(e.Names)
			})
		}),
	)
}

// applyState updates the video area for a controller state change. A switch
// clears the previous source's last frame.
func (a *DetectApp) applyState(e events.StateChangedEvent) {
	if e.State == stream.StateSwitching.String() {
		a.minGeneration.Store(e.Generation)
		a.videoCanvas.Image = nil
		a.videoCanvas.Refresh()
	}
	a.showStatus(e.Message)
}

// drawFrame shows frame unless a later switch made it stale.
func (a *DetectApp) drawFrame(frame *models.AnnotatedFrame) {
	if frame.Generation < a.minGeneration.Load() {
		return
	}
	a.videoCanvas.Image = frame.Image
	a.videoCanvas.Refresh()
}

// showStatus replaces the video with message, or brings the video back when
// message is empty.
func (a *DetectApp) showStatus(message string) {
	if message == "" {
		a.statusLabel.Hide()
		a.videoCanvas.Show()
		return
	}

	a.statusLabel.SetText(message)
	a.statusLabel.Show()
	a.videoCanvas.Hide()
}

func (a *DetectApp) rebuildSourceButtons(names []string) {
	a.sourceButtons.Objects = nil
	for _, name := range names {
		a.sourceButtons.Add(widget.NewButtonWithIcon(name, theme.MediaPlayIcon(), func() {
			go a.selectSource(name)
		}))
	}
	a.sourceButtons.Refresh()
}

func (a *DetectApp) startDefaultSource() {
	name := a.config.GetDefaultStream()
	if _, ok := a.ctrl.Catalog().Lookup(name); !ok {
		names := a.ctrl.Catalog().Names()
		if len(names) == 0 {
			return
		}
		name = names[0]
	}
	a.selectSource(name)
}

func (a *DetectApp) selectSource(name string) {
	a.report(a.ctrl.SelectSource(context.Background(), name))
}

func (a *DetectApp) report(err error) {
	if err == nil || errors.Is(err, stream.ErrSuperseded) || errors.Is(err, stream.ErrShutdown) {
		return
	}
	a.logger.Warn("source request failed", "error", err)
}

func (a *DetectApp) chooseFile() {
	d := dialog.NewFileOpen(func(reader fyne.URIReadCloser, err error) {
		if err != nil {
			dialog.ShowError(err, a.mainWin)
			return
		}
		if reader == nil {
			return
		}

		path := reader.URI().Path()
		reader.Close()

		go a.report(a.ctrl.ChooseLocalFile(context.Background(), path))
	}, a.mainWin)

	d.SetFilter(storage.NewExtensionFileFilter(capture.SupportedExtensions()))
	d.Show()
}

func (a *DetectApp) customSourceInput() fyne.CanvasObject {
	return cwidget.NewTextInput("Stream URL", "https://.../playlist.m3u8", func(url string) {
		go a.report(a.ctrl.SwitchTo(context.Background(), models.NetworkSource("Custom", url)))
	})
}

func (a *DetectApp) displaySettings() fyne.CanvasObject {
	fpsInput := cwidget.NewIntInput(
		"Refresh FPS",
		"Enter integer",
		a.config.GetRefreshFPS(),
		func(i int) {
			a.config.SetRefreshFPS(i)
		},
	)

	saveBtn := widget.NewButtonWithIcon("Save config", theme.DocumentSaveIcon(), func() {
		if err := a.config.Save(a.configPath); err != nil {
			dialog.ShowError(err, a.mainWin)
		}
	})

	return container.NewVBox(fpsInput, saveBtn)
}

// runPlayerLoop redraws the canvas from the mailbox at the configured
// refresh rate, skipping ticks with no new frame.
func (a *DetectApp) runPlayerLoop() {
	refresh := a.config.GetRefreshFPS()
	displayTicker := time.NewTicker(time.Second / time.Duration(refresh))
	defer displayTicker.Stop()

	dirty := false

	for {
		select {
		case <-a.ctrl.Updates():
			dirty = true

		case <-displayTicker.C:
			if current := a.config.GetRefreshFPS(); current != refresh && current > 0 {
				refresh = current
				displayTicker.Reset(time.Second / time.Duration(refresh))
			}
			if !dirty {
				continue
			}
			dirty = false

			frame := a.ctrl.CurrentFrame()
			if frame == nil {
				continue
			}
			fyne.Do(func() {
				a.drawFrame(frame)
			})

		case <-a.stopChan:
			return
		}
	}
}

func (a *DetectApp) runStatLoop() {
	uiTicker := time.NewTicker(time.Millisecond * 200)
	defer uiTicker.Stop()

	for {
		select {
		case <-uiTicker.C:
			stats := a.ctrl.Stats()
			fyne.Do(func() {
				a.latencyLabel.SetText(a.formatLatency(stats.Latency))
				a.fpsLabel.SetText(a.formatFPS(stats.FPS))
			})
		case <-a.stopChan:
			return
		}
	}
}

func (a *DetectApp) formatFPS(v uint) string {
	return fmt.Sprintf("FPS: %d", v)
}

func (a *DetectApp) formatLatency(v time.Duration) string {
	return fmt.Sprintf("Latency: %d ms", v.Milliseconds())
}
