package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"streamgate/internal/core/domain"
	"streamgate/internal/core/ports"
	"streamgate/internal/core/services"
	"streamgate/internal/core/session"
	httphandlers "streamgate/internal/handlers/http"
	"streamgate/internal/infrastructure/middleware"
	"streamgate/internal/infrastructure/monitoring"
	"streamgate/internal/infrastructure/process"
	"streamgate/internal/infrastructure/repositories"
	signalserver "streamgate/internal/infrastructure/signal"
	"streamgate/internal/infrastructure/streaming"
	webrtcinfra "streamgate/internal/infrastructure/webrtc"
	"streamgate/pkg/config"
	"streamgate/pkg/logger"
	"streamgate/pkg/retry"
	"streamgate/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, signaling server and reaper",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cfg, path)
	},
}

func serve(cfg *config.Config, configFile string) error {
	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if configFile != "" {
		log.Infow("loaded config", "path", configFile)
	} else {
		log.Info("no config file found, using defaults")
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		JaegerURL:      cfg.Tracing.JaegerEndpoint,
		Environment:    cfg.Tracing.Environment,
		SampleRate:     cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	if err := os.MkdirAll(cfg.Engine.OutputRoot, 0o755); err != nil {
		return fmt.Errorf("create output root: %w", err)
	}

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		return fmt.Errorf("create repository factory: %w", err)
	}
	defer repoFactory.Close()

	releaseLedger, err := acquireLedgerLock(context.Background(), repoFactory, log)
	if err != nil {
		return err
	}
	defer releaseLedger()
	ledger := repoFactory.CreateProcessLedger()

	// monitoring
	var (
		sessionObserver   ports.SessionObserver
		publisherObserver ports.PublisherObserver
		reaperMetrics     services.ReaperMetrics
		gatherer          prometheus.Gatherer
	)
	if cfg.Monitoring.PrometheusEnabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		collector := monitoring.NewPrometheusCollector(reg)
		sessionObserver = collector
		publisherObserver = collector
		reaperMetrics = collector
		gatherer = reg
	}

	healthChecker := monitoring.NewHealthChecker(log)
	healthChecker.AddLedgerCheck(ledger, cfg.Monitoring.MetricsInterval, 2*time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		healthChecker.AddRedisCheck(client, cfg.Monitoring.MetricsInterval, 2*time.Second)
	}

	// engine
	var (
		launcher  ports.ProcessLauncher
		snapshots ports.SnapshotGrabber
	)
	supervisor, err := process.NewSupervisor(process.Config{
		Binary:      cfg.Engine.Path,
		KillTimeout: cfg.Engine.KillTimeout,
		Encode: process.EncodeOptions{
			LogLevel:        cfg.Engine.LogLevel,
			SocketTimeout:   cfg.Engine.SocketTimeout,
			FrameRate:       cfg.Engine.FrameRate,
			SegmentDuration: cfg.Engine.SegmentDuration,
			Preset:          cfg.Engine.Preset,
		},
	}, ledger, log)
	if err != nil {
		// keep serving so status and readiness can report the problem
		log.Errorw("transcoder engine unavailable", "path", cfg.Engine.Path, "error", err)
		launcher = process.MissingEngine{Err: err}
		engineErr := err
		healthChecker.AddCheck("engine", func(ctx context.Context) (bool, error) {
			return false, engineErr
		}, cfg.Monitoring.MetricsInterval, time.Second)
	} else {
		launcher = supervisor
		snapshots = process.NewSnapshot(supervisor, cfg.Snapshot.Timeout)
		healthChecker.AddEngineCheck(supervisor.Binary(), cfg.Monitoring.MetricsInterval, time.Second)
		log.Infow("transcoder engine resolved", "path", supervisor.Binary())
	}

	relayConfig := relayConfigFrom(cfg)
	api, err := webrtcinfra.NewAPI(relayConfig)
	if err != nil {
		return fmt.Errorf("init webrtc: %w", err)
	}

	registry := session.NewRegistry(
		launcher,
		publisherFactory(cfg, api, relayConfig, publisherObserver, log),
		sessionObserver,
		session.Options{
			StopTimeout:     cfg.Engine.StopTimeout,
			StallTimeout:    cfg.Engine.StallTimeout,
			HandoverTimeout: cfg.Engine.StopTimeout + cfg.Engine.KillTimeout + time.Second,
			MaxRetries:      cfg.Sessions.MaxRetries,
			Backoff:         retry.Backoff(cfg.Sessions.BackoffBase, cfg.Sessions.BackoffMax),
		},
		cfg.Sessions.MaxSessions,
		log,
	)

	controller := services.NewSessionController(registry, snapshots, services.ControllerConfig{
		DefaultProfile: domain.Profile{
			Transport:  domain.Transport(cfg.Engine.DefaultTransport),
			Resolution: cfg.Engine.DefaultResolution,
			Delivery:   domain.DeliveryMode(cfg.Engine.DefaultDelivery),
		},
		SnapshotTTL: cfg.Snapshot.CacheTTL,
	}, log)

	reaper := services.NewReaper(registry, ledger, process.KillOrphan, reaperMetrics, reaperConfigFrom(cfg), log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	recovered, err := reaper.RecoverOrphans(ctx)
	if err != nil {
		log.Errorw("orphan recovery incomplete", "error", err)
	}
	log.Infow("orphan recovery finished",
		"killed", recovered.Killed,
		"cleared", recovered.Cleared,
		"dirs_removed", recovered.DirsRemoved,
	)

	background, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()
	go reaper.Run(background)
	healthChecker.StartBackgroundChecks(background)

	// HTTP API
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestLoggerMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.TracingMiddleware(),
		middleware.NewHTTPRateLimitMiddleware(cfg),
		middleware.ErrorHandlerMiddleware(log),
	)
	httphandlers.NewStreamHandler(controller, log).SetupRoutes(router)
	httphandlers.NewHealthHandler(healthChecker, gatherer).SetupRoutes(router)

	apiServer := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// signaling
	wsServer := signalserver.NewWebSocketServer(controller, cfg, log)
	signalServer := &http.Server{
		Addr:              cfg.Signal.Address,
		Handler:           wsServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 2)
	go func() {
		log.Infow("starting API server", "address", cfg.Server.Address)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("api server: %w", err)
		}
	}()
	go func() {
		log.Infow("starting signaling server", "address", cfg.Signal.Address)
		if err := signalServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("signaling server: %w", err)
		}
	}()

	var runErr error
	select {
	case runErr = <-serverErr:
		log.Errorw("server failed", "error", runErr)
	case <-ctx.Done():
		log.Info("received shutdown signal")
	}

	log.Info("shutting down streamgate")
	cancelBackground()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during API server shutdown", "error", err)
		_ = apiServer.Close()
	}

	signalCtx, signalCancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
	defer signalCancel()
	if err := wsServer.Shutdown(signalCtx); err != nil {
		log.Warnw("signaling connections did not close in time", "error", err)
	}
	if err := signalServer.Shutdown(signalCtx); err != nil {
		log.Errorw("error during signaling server shutdown", "error", err)
		_ = signalServer.Close()
	}

	// stops every session and its engine process
	if err := controller.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error stopping sessions", "error", err)
	}

	if err := tp.Shutdown(context.Background()); err != nil {
		log.Warnw("error flushing traces", "error", err)
	}

	log.Info("streamgate stopped")
	return runErr
}

func relayConfigFrom(cfg *config.Config) webrtcinfra.RelayConfig {
	var iceServers []webrtc.ICEServer
	for _, s := range cfg.WebRTC.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	rc := webrtcinfra.RelayConfig{
		ICEServers:      iceServers,
		NAT1To1IPs:      cfg.WebRTC.NAT1To1IPs,
		FrameRate:       cfg.Engine.FrameRate,
		SubscriberQueue: cfg.Relay.SubscriberQueue,
		GOPCacheFrames:  cfg.Relay.GOPCacheFrames,
	}
	rc.PortRange.Min = cfg.WebRTC.PortRange.Min
	rc.PortRange.Max = cfg.WebRTC.PortRange.Max
	return rc
}

func reaperConfigFrom(cfg *config.Config) services.ReaperConfig {
	return services.ReaperConfig{
		Interval:          cfg.Sessions.ReapInterval,
		IdleGrace:         cfg.Sessions.IdleGrace,
		SubscriberTimeout: cfg.Sessions.SubscriberTimeout,
		TerminalRetention: cfg.Sessions.TerminalRetention,
		StopTimeout:       cfg.Engine.StopTimeout + cfg.Engine.KillTimeout,
		KillGrace:         cfg.Engine.KillTimeout,
		OutputRoot:        cfg.Engine.OutputRoot,
	}
}

// publisherFactory builds the output side of a new session. HLS sessions
// write under OutputRoot/<stream key>.
func publisherFactory(cfg *config.Config, api *webrtc.API, relayConfig webrtcinfra.RelayConfig, observer ports.PublisherObserver, log *zap.SugaredLogger) ports.PublisherFactory {
	segmenter := streaming.SegmenterConfig{
		SegmentDuration: cfg.Engine.SegmentDuration,
		ListSize:        cfg.Engine.SegmentListSize,
		DeleteThreshold: cfg.Engine.SegmentDeleteThreshold,
	}
	return func(key domain.StreamKey, profile domain.Profile) (ports.OutputPublisher, error) {
		switch profile.Delivery {
		case domain.DeliveryHLS:
			dir := filepath.Join(cfg.Engine.OutputRoot, string(key))
			return streaming.NewSegmentedPublisher(key, dir, segmenter, observer, log), nil
		case domain.DeliveryWebRTC:
			return webrtcinfra.NewRelayPublisher(key, api, relayConfig, observer, log), nil
		default:
			return nil, fmt.Errorf("%w: delivery %q", domain.ErrInvalidProfile, profile.Delivery)
		}
	}
}
