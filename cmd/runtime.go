package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"wildcam/internal/config"
	"wildcam/internal/emitter"
	"wildcam/internal/events"
	"wildcam/internal/logging"
	"wildcam/internal/metrics"
	"wildcam/internal/models"
	"wildcam/processing/capture"
	"wildcam/processing/detector"
	"wildcam/processing/stream"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Flags holds the persistent command line overrides shared by every
// command.
type Flags struct {
	ConfigPath   string
	DetectorHost string
	LogLevel     string
	LogJSON      bool
	MaxWidth     int
	MaxHeight    int
}

func (f *Flags) register(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.StringVarP(&f.ConfigPath, "config", "c", config.DefaultConfigPath, "Path to configuration file")
	pf.StringVar(&f.DetectorHost, "detector-host", config.DefaultDetectorHost, "Detection service host:port")
	pf.StringVar(&f.LogLevel, "log-level", "info", "Global logging level (debug, info, warn, error)")
	pf.BoolVar(&f.LogJSON, "log-json", false, "Use JSON log format")
	pf.IntVar(&f.MaxWidth, "max-width", 900, "Maximum width of displayed frames")
	pf.IntVar(&f.MaxHeight, "max-height", 540, "Maximum height of displayed frames")
}

// LoadConfig reads the configuration file and layers environment variables
// and explicitly set flags over it, then sets up logging.
func (f *Flags) LoadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfigFile(f.ConfigPath)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()

	flags := cmd.Flags()
	if flags.Changed("detector-host") {
		cfg.SetDetectorHost(f.DetectorHost)
	}
	if flags.Changed("log-level") {
		cfg.SetLoggingLevel(f.LogLevel)
	}
	if anyChanged(flags, "max-width", "max-height") {
		w, h := cfg.GetDisplayBounds()
		if flags.Changed("max-width") {
			w = f.MaxWidth
		}
		if flags.Changed("max-height") {
			h = f.MaxHeight
		}
		cfg.SetDisplayBounds(w, h)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	lc := cfg.GetLogging()
	if f.LogJSON {
		lc.Format = "json"
	}
	logging.Initialize(logging.Config{Level: lc.Level, Format: lc.Format, Modules: lc.Modules})

	return cfg, nil
}

func anyChanged(fs *pflag.FlagSet, names ...string) bool {
	for _, name := range names {
		if fs.Changed(name) {
			return true
		}
	}
	return false
}

func ffmpegOptions(cfg *config.Config) capture.FFmpegOptions {
	cc := cfg.GetCapture()
	opts := capture.DefaultFFmpegOptions()
	if cc.FFmpegPath != "" {
		opts.FFmpegPath = cc.FFmpegPath
	}
	if cc.FFprobePath != "" {
		opts.FFprobePath = cc.FFprobePath
	}
	opts.OpenTimeout = cc.OpenTimeoutDuration()
	return opts
}

// Runtime is the fully wired pipeline: detector connection, controller,
// event bus and the optional side services configured for it.
type Runtime struct {
	Config     *config.Config
	ConfigPath string
	Bus        *events.Bus
	Detector   *detector.RemoteDetector
	Controller *stream.Controller

	logger   logging.Logger
	emitter  *emitter.MQTTEmitter
	watcher  *config.Watcher[*config.Config]
	server   *http.Server
	cleanups []func()
}

// NewRuntime connects to the detection service and builds the controller.
// A detector that cannot be reached is returned as a
// *detector.ConfigurationError before anything else is started.
func NewRuntime(ctx context.Context, cfg *config.Config, configPath string) (*Runtime, error) {
	logger := logging.GetLogger("main")
	dc := cfg.GetDetector()

	det := detector.NewRemoteDetector(dc.Host,
		detector.WithTimeout(dc.TimeoutDuration()),
		detector.WithRemoteLogger(logging.GetLogger("detector")),
	)

	connectCtx, cancel := context.WithTimeout(ctx, dc.ConnectTimeoutDuration())
	defer cancel()
	if err := det.Connect(connectCtx); err != nil {
		return nil, err
	}

	bus := events.New()
	maxW, maxH := cfg.GetDisplayBounds()
	cc := cfg.GetCapture()

	ctrl := stream.NewController(stream.Options{
		Opener: capture.NewOpener(ffmpegOptions(cfg)),
		Stage: detector.NewStage(det,
			detector.WithConfidenceThreshold(dc.ConfidenceThreshold),
			detector.WithStageLogger(logging.GetLogger("detector")),
		),
		MaxWidth:        maxW,
		MaxHeight:       maxH,
		LowLatency:      cc.LowLatency,
		TeardownTimeout: cc.TeardownTimeoutDuration(),
		Catalog:         stream.NewCatalog(cfg.GetStreams()),
		Bus:             bus,
		Logger:          logging.GetLogger("stream"),
	})

	r := &Runtime{
		Config:     cfg,
		ConfigPath: configPath,
		Bus:        bus,
		Detector:   det,
		Controller: ctrl,
		logger:     logger,
	}

	r.startMQTT(ctx)
	r.startMetrics()
	r.startWatcher()

	return r, nil
}

func (r *Runtime) startMQTT(ctx context.Context) {
	mc := r.Config.GetMQTT()
	if !mc.Enabled {
		return
	}

	e := emitter.NewMQTTEmitter(mc)
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := e.Connect(connectCtx); err != nil {
		r.logger.Warn("MQTT disabled", "broker", mc.Broker, "error", err)
		return
	}

	r.emitter = e
	r.cleanups = append(r.cleanups, e.Attach(r.Bus))
}

func (r *Runtime) startMetrics() {
	mc := r.Config.GetMetrics()
	if !mc.Enabled {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	r.server = &http.Server{
		Addr:              mc.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		r.logger.Info("metrics server listening", "addr", mc.Listen)
		if err := r.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("metrics server failed", "error", err)
		}
	}()
}

// startWatcher reloads the stream catalog and log levels when the
// configuration file changes. Other settings apply on the next start.
func (r *Runtime) startWatcher() {
	if r.ConfigPath == "" {
		return
	}

	w := config.NewWatcher(r.ConfigPath, config.LoadConfigFile,
		config.WithErrorHandler[*config.Config](func(err error) {
			r.logger.Warn("config reload failed", "path", r.ConfigPath, "error", err)
		}),
	)
	w.OnReload(r.applyReload)

	if err := w.Start(); err != nil {
		r.logger.Warn("failed to start config watcher, hot-reload disabled", "error", err)
		return
	}
	r.watcher = w
}

func (r *Runtime) applyReload(fresh *config.Config) {
	streams := fresh.GetStreams()
	r.Config.SetStreams(streams)

	catalog := r.Controller.Catalog()
	catalog.Update(streams)
	r.Bus.Publish(events.CatalogUpdatedEvent{Names: catalog.Names(), Timestamp: time.Now()})

	lc := fresh.GetLogging()
	for module, level := range lc.Modules {
		logging.SetModuleLevel(module, level)
	}

	r.logger.Info("configuration reloaded", "streams", len(streams))
}

// Close shuts the controller down and releases every side service. It is
// safe to call once the controller has already been shut down.
func (r *Runtime) Close() {
	if r.watcher != nil {
		_ = r.watcher.Stop()
	}

	r.Controller.Shutdown()

	for _, cleanup := range r.cleanups {
		cleanup()
	}
	if r.emitter != nil {
		r.emitter.Disconnect()
	}

	if r.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.server.Shutdown(ctx)
	}

	if err := r.Detector.Close(); err != nil {
		r.logger.Debug("detector close", "error", err)
	}

	if err := r.Bus.Close(); err != nil {
		r.logger.Debug("event bus close", "error", err)
	}
}

// ResolveSource maps a command line argument to a source: a catalog name, a
// URL, or a path to a local file.
func ResolveSource(catalog *stream.Catalog, arg string) (models.SourceDescriptor, error) {
	if desc, ok := catalog.Lookup(arg); ok {
		return desc, nil
	}
	if strings.Contains(arg, "://") {
		return models.NetworkSource(arg, arg), nil
	}

	media, err := capture.ClassifyFile(arg)
	if err != nil {
		return models.SourceDescriptor{}, fmt.Errorf("%s: %w", arg, err)
	}
	return models.LocalFileSource(filepath.Base(arg), arg, media), nil
}
