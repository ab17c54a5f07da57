package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"drippyd/internal/config"
	"drippyd/internal/db"
	"drippyd/internal/db/migrate"
	"drippyd/internal/httpapi"
	"drippyd/internal/modules/telemetry"
	"drippyd/internal/modules/telemetry/repository"
	"drippyd/internal/modules/telemetry/service"
	"drippyd/internal/mqtt"
)

func Run(ctx context.Context, cfg config.Config) error {
	slog.Info("config loaded",
		"appEnv", cfg.AppEnv,
		"logLevel", cfg.LogLevel.String(),
		"httpAddr", cfg.HTTPAddr,
		"sqlitePath", cfg.SQLitePath,
		"mqttBroker", cfg.MQTTBrokerIP,
		"mqttPort", cfg.MQTTPort,
		"sensorTopics", cfg.SensorTopics,
		"heartbeatTopic", cfg.HeartbeatTopic,
		"rainWindow", cfg.RainWindow,
		"rainTipsPerInch", cfg.RainTipsPerInch,
		"heartbeatGrace", cfg.HeartbeatGrace,
	)
	dbConn, err := db.Open(cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeErr := db.Close(dbConn)
		if closeErr != nil {
			slog.Error("db close", "error", closeErr)
		}
	}()

	if err := migrate.Run(dbConn); err != nil {
		return err
	}

	var ok int
	err = dbConn.QueryRow(`SELECT 1`).Scan(&ok)
	if err != nil {
		return err
	}
	if ok != 1 {
		return errors.New("database connection failed")
	}
	slog.Info("database connection successful")

	repo := repository.NewRepository(dbConn)
	// The rain topic joins the allow-list even if SENSOR_TOPICS omits it.
	sensorTopics := append([]string{cfg.RainTopic}, cfg.SensorTopics...)
	decoder := service.NewDecoder(sensorTopics, cfg.HeartbeatTopic)
	svc := service.New(repo, decoder, service.Options{
		RainChannel:     cfg.RainTopic,
		RainWindow:      cfg.RainWindow,
		TipsPerInch:     cfg.RainTipsPerInch,
		HeartbeatGrace:  cfg.HeartbeatGrace,
		RefreshInterval: cfg.AggregateRefresh,
	}, slog.Default())

	// Set the MQTT handler before Connect so OnConnectHandler can subscribe
	// immediately. The broker may redeliver queued QoS 1 messages right after
	// CONNACK; we must be subscribed before that to receive them.
	mqttSubscriber, err := mqtt.NewSubscriber(cfg, slog.Default())
	if err != nil {
		return err
	}
	telemetry.RegisterMQTTHandler(mqttSubscriber, svc)

	mux := httpapi.NewMux(dbConn, svc, mqttSubscriber)
	telemetry.RegisterFeature(mux, svc)

	// Use a short timeout for initial MQTT connect so we don't block startup
	// when the broker is down (e.g. E2E). The connect token keeps retrying
	// in the background and the client subscribes once the broker appears.
	connectCtx, connectCancel := context.WithTimeout(ctx, 5*time.Second)
	err = mqttSubscriber.Connect(connectCtx)
	connectCancel()
	if err != nil {
		slog.Warn("mqtt connection failed (continuing without mqtt)", "error", err)
	}

	refreshCtx, refreshCancel := context.WithCancel(ctx)
	defer refreshCancel()
	go svc.Run(refreshCtx)

	srv := httpapi.NewServer(cfg, mux)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slog.Info("mqtt disconnecting")
	mqttSubscriber.Disconnect()

	slog.Info("http shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	err = <-errCh
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return ctx.Err()
}
