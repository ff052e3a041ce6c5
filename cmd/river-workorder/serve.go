package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"river-workorder/internal/audit"
	"river-workorder/internal/capacity"
	"river-workorder/internal/config"
	httpapi "river-workorder/internal/http"
	"river-workorder/internal/idgen"
	"river-workorder/internal/logger"
	"river-workorder/internal/mqttx"
	"river-workorder/internal/outbox"
	"river-workorder/internal/redisx"
	"river-workorder/internal/service"
	"river-workorder/internal/telemetry"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the notification dispatcher",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(ctx context.Context, cfg *config.Config) error {
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, cfg.Telemetry.ServiceName)
	if err != nil {
		return err
	}
	defer log.Sync()

	if err := telemetry.Init(ctx, cfg.Telemetry, version); err != nil {
		log.Warn("Telemetry init failed, continuing without exporters", zap.Error(err))
	}
	defer telemetry.Shutdown(context.Background())
	metrics, err := telemetry.NewMetrics(telemetry.Meter("river-workorder"))
	if err != nil {
		log.Warn("Metrics unavailable", zap.Error(err))
		metrics = nil
	}

	st, err := openStores(cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	// 工单编号：启用 Redis 时跨实例共享序列
	var (
		ids         idgen.Generator = idgen.NewMemorySequence()
		redisClient *redis.Client
	)
	if cfg.Redis.Enabled {
		redisClient = redisx.NewRedisClient(&cfg.Redis)
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := redisx.Ping(pingCtx, redisClient)
		cancel()
		if err != nil {
			log.Warn("Redis unavailable, using in-process workorder sequence", zap.Error(err))
			_ = redisClient.Close()
			redisClient = nil
		} else {
			ids = idgen.NewRedisSequence(redisClient)
			defer redisClient.Close()
		}
	}

	channels := []outbox.Channel{outbox.NewMessageChannel(st.messages)}
	if cfg.Push.JPushEnabled {
		channels = append(channels, outbox.NewJPushChannel(&cfg.Push, st.subscriptions, log))
	}
	if cfg.Push.WebPushEnabled {
		channels = append(channels, outbox.NewWebPushChannel(&cfg.Push, st.subscriptions, log))
	}
	if cfg.MQTT.Enabled {
		client, err := mqttx.NewClient(&cfg.MQTT, log)
		if err != nil {
			log.Warn("MQTT unavailable, terminal push disabled", zap.Error(err))
		} else {
			defer client.Disconnect()
			channels = append(channels, outbox.NewMQTTChannel(client, cfg.MQTT.TopicPrefix))
		}
	}
	if redisClient != nil && cfg.Redis.NotificationStream != "" {
		channels = append(channels, outbox.NewStreamChannel(redisClient, cfg.Redis.NotificationStream))
	}

	clock := audit.NewClock(nil)
	trail := audit.NewTrail(st.history, st.records, clock, metrics, log, audit.Options{
		MaxElapsed: cfg.Workflow.StoreRetryElapsed,
		BufferSize: cfg.Workflow.AuditBufferSize,
	})
	directory := service.NewAreaDirectory(st.org, cfg.Workflow.AreaCacheTTL)
	ledger := capacity.NewLedger(st.capacity, st.workorders, metrics, log)

	if seedFile != "" {
		seed, err := readSeed(seedFile)
		if err != nil {
			return err
		}
		if err := seed.apply(ctx, directory, ledger); err != nil {
			return err
		}
		log.Info("Seed applied", zap.String("file", seedFile))
	}

	workorders := service.NewWorkorderService(st.workorders, st.alarms, st.records, ledger, trail,
		outbox.New(st.outbox, log), directory, ids, cfg.Workflow, metrics, log)
	alarms := service.NewAlarmService(st.alarms, st.workorders, workorders, directory, clock,
		cfg.Workflow.MaxTransitionRetries, metrics, log)

	router := httpapi.NewRouter(httpapi.Deps{
		Workorders:    workorders,
		Alarms:        alarms,
		Messages:      st.messages,
		Subscriptions: st.subscriptions,
		HTTP:          cfg.HTTP,
		Logger:        log,
	})
	srv := service.NewServer(cfg.HTTP.Addr, router, log)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dispatcher := outbox.NewDispatcher(st.outbox, channels, cfg.Outbox, metrics, log)
	dispatcher.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("Shutting down", zap.String("signal", sig.String()))
	case err = <-errCh:
		if err != nil {
			log.Error("HTTP server stopped", zap.Error(err))
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Stop(shutdownCtx)
	dispatcher.Wait()
	return err
}
