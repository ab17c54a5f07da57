package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults match the rain gauge station deployment: the station publishes
// sensor values and a periodic heartbeat, and the tipping bucket registers
// 150 tips per inch of rain.
const (
	defaultSensorTopics = "rain_gauge_station/sensor/temperature," +
		"rain_gauge_station/sensor/onboard_temperature," +
		"rain_gauge_station/sensor/rain_gauge_tips"
	defaultRainTopic      = "rain_gauge_station/sensor/rain_gauge_tips"
	defaultHeartbeatTopic = "rain_gauge_station/status/heartbeat"
)

type Config struct {
	AppEnv   string
	LogLevel slog.Level
	HTTPAddr string

	MQTTBrokerIP string
	MQTTPort     int
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string

	// SensorTopics is the allow-list of sensor channels. Messages on any
	// other topic are decode failures, not silently ignored.
	SensorTopics   []string
	RainTopic      string
	HeartbeatTopic string

	RainWindow       time.Duration
	RainTipsPerInch  float64
	HeartbeatGrace   time.Duration
	AggregateRefresh time.Duration

	SQLitePath      string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	LogSQL          bool
}

func LoadFromEnv() (Config, error) {
	appEnv := strings.TrimSpace(os.Getenv("APP_ENV"))
	if appEnv == "" {
		appEnv = "dev"
	}
	switch appEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}

	logLevelStr := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if logLevelStr == "" {
		logLevelStr = "info"
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	httpAddr := strings.TrimSpace(os.Getenv("HTTP_ADDR"))
	if httpAddr == "" {
		httpAddr = ":8080"
	}

	brokerIP := strings.TrimSpace(os.Getenv("MQTT_BROKER_IP"))
	if brokerIP == "" {
		brokerIP = "localhost"
	}

	port, err := intFromEnv("MQTT_BROKER_PORT", 1883)
	if err != nil {
		return Config{}, err
	}

	clientID := strings.TrimSpace(os.Getenv("MQTT_CLIENT_ID"))
	if clientID == "" {
		clientID = "drippyd"
	}

	sensorTopicsStr := strings.TrimSpace(os.Getenv("SENSOR_TOPICS"))
	if sensorTopicsStr == "" {
		sensorTopicsStr = defaultSensorTopics
	}
	sensorTopics := splitTopics(sensorTopicsStr)
	if len(sensorTopics) == 0 {
		return Config{}, fmt.Errorf("SENSOR_TOPICS must list at least one topic")
	}

	rainTopic := strings.TrimSpace(os.Getenv("RAIN_TOPIC"))
	if rainTopic == "" {
		rainTopic = defaultRainTopic
	}

	heartbeatTopic := strings.TrimSpace(os.Getenv("HEARTBEAT_TOPIC"))
	if heartbeatTopic == "" {
		heartbeatTopic = defaultHeartbeatTopic
	}

	rainWindow, err := durationFromEnv("RAIN_WINDOW", 24*time.Hour)
	if err != nil {
		return Config{}, err
	}
	if rainWindow <= 0 {
		return Config{}, fmt.Errorf("RAIN_WINDOW must be > 0, got %s", rainWindow)
	}

	tipsPerInch, err := floatFromEnv("RAIN_TIPS_PER_INCH", 150)
	if err != nil {
		return Config{}, err
	}
	if tipsPerInch <= 0 {
		return Config{}, fmt.Errorf("RAIN_TIPS_PER_INCH must be > 0, got %v", tipsPerInch)
	}

	heartbeatGrace, err := durationFromEnv("HEARTBEAT_GRACE", 15*time.Minute)
	if err != nil {
		return Config{}, err
	}
	if heartbeatGrace <= 0 {
		return Config{}, fmt.Errorf("HEARTBEAT_GRACE must be > 0, got %s", heartbeatGrace)
	}

	aggregateRefresh, err := durationFromEnv("AGGREGATE_REFRESH", 60*time.Second)
	if err != nil {
		return Config{}, err
	}
	if aggregateRefresh <= 0 {
		return Config{}, fmt.Errorf("AGGREGATE_REFRESH must be > 0, got %s", aggregateRefresh)
	}

	sqlitePath := strings.TrimSpace(os.Getenv("SQLITE_PATH"))
	if sqlitePath == "" {
		sqlitePath = "./data/drippy.db"
	}

	// More than one connection so snapshot readers never queue behind the
	// ingestion writer at the pool level; WAL isolates them at the db level.
	maxOpenConns, err := intFromEnv("DB_MAX_OPEN_CONNS", 4)
	if err != nil {
		return Config{}, err
	}
	maxIdleConns, err := intFromEnv("DB_MAX_IDLE_CONNS", 2)
	if err != nil {
		return Config{}, err
	}
	connMaxLifetime, err := durationFromEnv("DB_CONN_MAX_LIFETIME", 0)
	if err != nil {
		return Config{}, err
	}

	logSQL := false
	if s := strings.TrimSpace(os.Getenv("DB_LOG_SQL")); s != "" {
		logSQL, err = strconv.ParseBool(s)
		if err != nil {
			return Config{}, fmt.Errorf("invalid DB_LOG_SQL %q: %w", s, err)
		}
	}

	return Config{
		AppEnv:           appEnv,
		LogLevel:         level,
		HTTPAddr:         httpAddr,
		MQTTBrokerIP:     brokerIP,
		MQTTPort:         port,
		MQTTClientID:     clientID,
		MQTTUsername:     strings.TrimSpace(os.Getenv("MQTT_USERNAME")),
		MQTTPassword:     strings.TrimSpace(os.Getenv("MQTT_PASSWORD")),
		SensorTopics:     sensorTopics,
		RainTopic:        rainTopic,
		HeartbeatTopic:   heartbeatTopic,
		RainWindow:       rainWindow,
		RainTipsPerInch:  tipsPerInch,
		HeartbeatGrace:   heartbeatGrace,
		AggregateRefresh: aggregateRefresh,
		SQLitePath:       sqlitePath,
		DSN:              strings.TrimSpace(os.Getenv("DB_DSN")),
		MaxOpenConns:     maxOpenConns,
		MaxIdleConns:     maxIdleConns,
		ConnMaxLifetime:  connMaxLifetime,
		LogSQL:           logSQL,
	}, nil
}

// Topics returns the full subscription set: every sensor topic plus the
// rain and heartbeat topics, deduplicated, in a stable order.
func (c Config) Topics() []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range c.SensorTopics {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	for _, t := range []string{c.RainTopic, c.HeartbeatTopic} {
		if t != "" && !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

func splitTopics(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func intFromEnv(key string, def int) (int, error) {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return n, nil
}

func floatFromEnv(key string, def float64) (float64, error) {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return f, nil
}

func durationFromEnv(key string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return d, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}
