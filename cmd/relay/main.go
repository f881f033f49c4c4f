package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mediarelay/internal/core/ports"
	"mediarelay/internal/core/services"
	httphandlers "mediarelay/internal/handlers/http"
	"mediarelay/internal/infrastructure/distributed"
	"mediarelay/internal/infrastructure/middleware"
	"mediarelay/internal/infrastructure/monitoring"
	"mediarelay/internal/infrastructure/repositories"
	"mediarelay/internal/infrastructure/repositories/memory"
	signalhub "mediarelay/internal/infrastructure/signal"
	"mediarelay/internal/infrastructure/transfer"
	webrtcinfra "mediarelay/internal/infrastructure/webrtc"
	"mediarelay/pkg/config"
	"mediarelay/pkg/logger"
	"mediarelay/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var configPaths = []string{
	"configs/relay.yaml",
	"./configs/relay.yaml",
	"/etc/mediarelay/relay.yaml",
	"relay.yaml",
}

// loadConfig reads the first config file that exists. Without one the
// defaults apply, still subject to environment overrides.
func loadConfig() (*config.Config, error) {
	paths := configPaths
	if path := os.Getenv("MEDIARELAY_CONFIG"); path != "" {
		paths = []string{path}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return config.Load(path)
		}
	}
	return config.Load("")
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	zapLogger := logger.ForFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialise tracing", "error", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}

	metrics := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)

	var directory httphandlers.ClusterDirectory
	presence := repoFactory.CreatePresenceRepository()
	if client := repoFactory.RedisClient(); client != nil {
		instanceID := "relay-" + uuid.NewString()[:8]
		bus := distributed.NewEventBus(client, instanceID, log)
		dir := distributed.NewDirectory()
		presence = distributed.NewBroadcastingPresence(presence, bus, log)
		directory = dir
		go func() {
			if err := bus.Subscribe(ctx, dir.Apply); err != nil && !errors.Is(err, context.Canceled) {
				log.Errorw("cluster event subscription ended", "error", err)
			}
		}()
		log.Infow("cluster events enabled", "instance_id", instanceID)
	}
	registry := memory.NewConnectionRegistry(presence, metrics, log)

	rtcCfg := webrtcinfra.ConfigFrom(cfg)
	api, err := webrtcinfra.NewAPI(rtcCfg)
	if err != nil {
		log.Fatalw("failed to create WebRTC API", "error", err)
	}
	sfu := webrtcinfra.NewSFU(api, rtcCfg, registry, metrics, log)

	estimator := services.NewBandwidthEstimator(sfu, services.LadderFromConfig(cfg), log)
	controller := services.NewQualityController(services.QualityControllerConfigFrom(cfg), estimator, log)
	load := services.NewLoadMonitor(log)

	storage, err := transfer.NewFileStorage(cfg.Transfer.StorageDir)
	if err != nil {
		log.Fatalw("failed to open transfer storage", "error", err, "dir", cfg.Transfer.StorageDir)
	}
	receiver := transfer.NewReceiver(storage, transfer.ReceiverConfig{
		MaxFileSize: cfg.Transfer.MaxFileSize,
		MaxBuffers:  cfg.Transfer.MaxBuffers,
		IdleTimeout: cfg.Transfer.IdleTimeout,
	}, metrics, log)
	go receiver.Run(ctx, cfg.Transfer.IdleTimeout/2)

	hub := signalhub.NewHub(cfg, registry, sfu, receiver, metrics, log)
	abr := services.NewAdaptiveBitrateService(estimator, controller, registry, hub, load, metrics, log)
	abr.SetCheckInterval(cfg.Quality.SampleInterval)
	abr.SetHistorySize(cfg.Quality.HistorySize)
	hub.SetQualityMonitor(abr)
	sfu.SetObserver(hub)
	registry.SetNotifier(hub)
	go hub.Run(ctx)

	checker := monitoring.NewHealthChecker()
	checker.AddRedisCheck(repoFactory, 10*time.Second, 2*time.Second)
	checker.AddReadinessCheck(hub.Accepting, 5*time.Second, time.Second)
	checker.AddLoadCheck(loadSample(load), 0.95, 10*time.Second, 2*time.Second)
	checker.StartBackgroundChecks(ctx)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.TracingMiddleware())
	router.Use(middleware.RequestLogMiddleware(logger.NewContextLogger(zapLogger), cfg.Signal.Path, "/metrics"))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))

	httphandlers.NewHealthHandler(checker).SetupRoutes(router)
	httphandlers.NewRelayHandler(registry, abr, receiver, directory).SetupRoutes(router)
	router.GET(cfg.Signal.Path, func(c *gin.Context) {
		hub.HandleWebSocket(c.Writer, c.Request)
	})
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout stays zero: it would cut hijacked signaling sockets.
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting media relay", "address", cfg.Server.Address, "signal_path", cfg.Signal.Path)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdown(cfg, log, srv, hub, sfu, tp, repoFactory)
	stop()
	log.Info("media relay stopped")
}

func shutdown(
	cfg *config.Config,
	log *zap.SugaredLogger,
	srv *http.Server,
	hub *signalhub.Hub,
	sfu *webrtcinfra.SFU,
	tp *tracing.TracerProvider,
	repoFactory *repositories.RepositoryFactory,
) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := hub.Shutdown(ctx); err != nil {
		log.Errorw("error closing signaling sessions", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}
	sfu.Close()
	if err := tp.Shutdown(ctx); err != nil {
		log.Errorw("error flushing traces", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}
}

func loadSample(load ports.LoadSampler) func(ctx context.Context) (float64, error) {
	return func(ctx context.Context) (float64, error) {
		l, err := load.Sample(ctx)
		if err != nil {
			return 0, err
		}
		return l.Max(), nil
	}
}
