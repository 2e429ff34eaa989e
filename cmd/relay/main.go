package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/services"
	httphandlers "relaycast/internal/handlers/http"
	"relaycast/internal/infrastructure/middleware"
	"relaycast/internal/infrastructure/monitoring"
	"relaycast/internal/infrastructure/notifier"
	"relaycast/internal/rtc/congestion"
	"relaycast/internal/rtc/router"
	"relaycast/pkg/config"
	"relaycast/pkg/logger"
	"relaycast/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pion/rtp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// relaySink is where egress traffic leaves the engine. It feeds the
// congestion controller's send-side accounting and the metrics
// collector; a wire transport plugs in here.
type relaySink struct {
	log     *zap.SugaredLogger
	metrics *monitoring.PrometheusCollector

	// Set after construction; the router and the congestion client
	// both need the sink first.
	media *router.Router
	tcc   *congestion.Client

	twccSeq uint32
}

func (s *relaySink) OnSendRtpPacket(consumerID domain.ConsumerID, packet *rtp.Packet) {
	size := packet.MarshalSize()

	if c, err := s.media.GetConsumer(consumerID); err == nil {
		s.metrics.RecordPacketSent(c.Kind(), size)
	}

	seq := uint16(atomic.AddUint32(&s.twccSeq, 1))
	info := congestion.SentPacketInfo{
		SSRC:                        packet.SSRC,
		SequenceNumber:              packet.SequenceNumber,
		TransportWideSequenceNumber: seq,
		HasTransportWideSequence:    true,
		Size:                        size,
	}
	s.tcc.InsertPacket(info)
	s.tcc.PacketSent(info, time.Now())
}

func (s *relaySink) OnRetransmitRtpPacket(consumerID domain.ConsumerID, packet *rtp.Packet) {
	s.metrics.RecordRetransmission()
}

func (s *relaySink) OnKeyFrameNeeded(producerID domain.ProducerID, ssrc uint32) {
	s.metrics.RecordKeyFrameRequest("upstream")
	s.log.Debugw("key frame needed upstream", "producer_id", producerID, "ssrc", ssrc)
}

func (s *relaySink) OnTccClientAvailableBitrate(client *congestion.Client, availableBitrate, previousAvailableBitrate uint32) {
	s.metrics.UpdateAvailableBitrate(availableBitrate)
	s.log.Infow("available bitrate changed",
		"bitrate", availableBitrate,
		"previous", previousAvailableBitrate,
	)
}

func (s *relaySink) OnTccClientSendRtpPacket(client *congestion.Client, packet *rtp.Packet, pacingInfo congestion.PacedPacketInfo) {
	s.log.Debugw("probe packet sent",
		"size", packet.MarshalSize(),
		"probe_cluster_id", pacingInfo.ProbeClusterID,
	)
}

func main() {
	startTime := time.Now()

	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/relaycast/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}

	if err != nil {
		// Fallback to defaults if config cannot be loaded
		cfg = config.DefaultConfig()
	}

	// Initialize logger
	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()

	log := zapLogger.Sugar()

	// Initialize tracing
	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.Endpoint,
		Environment: "production",
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	// Notification sinks
	fanout := notifier.NewFanout(log)
	wsSink := notifier.NewWebSocketSink(
		cfg.Notifications.PingInterval,
		cfg.Notifications.PongTimeout,
		cfg.Notifications.SendBuffer,
		log,
	)
	fanout.AddSink(wsSink)

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})

		hostname, _ := os.Hostname()
		redisSink := notifier.NewRedisSink(redisClient, hostname, cfg.Redis.Channel, log)
		fanout.AddSink(redisSink)
		defer redisSink.Close()
	}

	// Media engine
	metrics := monitoring.NewPrometheusCollector()
	sink := &relaySink{
		log:     log.With("component", "relay_sink"),
		metrics: metrics,
	}

	mediaRouter := router.NewRouter(sink, fanout, log)
	tccClient := congestion.NewClient(congestion.Options{
		BweType:                 domain.BweType(cfg.Congestion.BweType),
		InitialAvailableBitrate: cfg.Congestion.InitialAvailableBitrate,
		HysteresisFactor:        cfg.Congestion.HysteresisFactor,
		MinEventInterval:        cfg.Congestion.MinEventInterval,
		ProcessInterval:         cfg.Congestion.ProcessInterval,
	}, sink, log)

	sink.media = mediaRouter
	sink.tcc = tccClient

	tccClient.Start()
	defer tccClient.Close()

	// This build carries no wire transport of its own, so the engine
	// runs connected from startup.
	tccClient.TransportConnected()
	mediaRouter.TransportConnected()

	// Services
	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)

	// Health checks
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthChecker := monitoring.NewHealthChecker()
	healthChecker.AddCongestionCheck(tccClient.GetAvailableBitrate, 30*time.Second, 2*time.Second)
	if redisClient != nil {
		healthChecker.AddRedisCheck(redisClient, 30*time.Second, 2*time.Second)
	}
	healthChecker.AddReadinessCheck(redisClient, 30*time.Second, 2*time.Second)
	healthChecker.StartBackgroundChecks(ctx)

	// Periodic RTCP generation for the producers' receiver reports and
	// the consumers' sender reports.
	go func() {
		ticker := time.NewTicker(cfg.Rtc.AudioRtcpInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				packets := mediaRouter.CollectRtcp(now)
				if len(packets) > 0 {
					log.Debugw("rtcp reports collected", "count", len(packets))
				}
			}
		}
	}()

	// Configure Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(middleware.RecoveryMiddleware(log))
	engine.Use(middleware.ErrorHandlerMiddleware(log))
	engine.Use(middleware.TracingMiddleware())
	engine.Use(middleware.NewHTTPRateLimitMiddleware(cfg))

	// Setup auth routes (public)
	authHandler := httphandlers.NewAuthHandler(authService, cfg.Auth.AccessTokenTTL)
	authHandler.SetupRoutes(engine)

	// Control API
	relayHandler := httphandlers.NewRelayHandler(mediaRouter, mediaRouter, authService)
	relayHandler.SetupRoutes(engine)

	// Notification stream for observers
	engine.GET("/ws/notifications", gin.WrapF(wsSink.HandleWebSocket))

	// Health check endpoint
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
			"uptime":    time.Since(startTime).String(),
		})
	})

	// Readiness endpoint
	engine.GET("/ready", func(c *gin.Context) {
		checkCtx, checkCancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer checkCancel()

		if !healthChecker.IsReady(checkCtx) {
			c.JSON(503, gin.H{
				"status":    "not_ready",
				"timestamp": time.Now(),
				"checks":    healthChecker.GetReadinessStatus(checkCtx),
			})
			return
		}

		c.JSON(200, gin.H{
			"status":    "ready",
			"timestamp": time.Now(),
		})
	})

	// Prometheus metrics endpoint
	if cfg.Monitoring.PrometheusEnabled {
		engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting Relaycast server on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for shutdown signals or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down Relaycast server...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Shutdown HTTP server gracefully
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	} else {
		log.Info("Server shutdown gracefully")
	}

	mediaRouter.TransportDisconnected()
	tccClient.TransportDisconnected()

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down tracing", "error", err)
	}

	log.Info("Relaycast server stopped")
}
