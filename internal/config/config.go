package config

import (
	"flag"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr        string
	MetricsAddr string // empty disables the metrics endpoint
	DBPath      string

	LogLevel slog.Level

	AcceptPoll    time.Duration
	ShutdownGrace time.Duration
	SendBuffer    int

	AdminLogin bool // ask for operator credentials before the console accepts commands
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getBoolEnv(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getIntEnv(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func getDurationEnv(key string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(key))
	if err != nil || v < 0 {
		return def
	}
	return v
}

// ParseLevel maps debug|info|warn|error to a slog level; anything else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Load builds the configuration from environment variables and then args.
// Environment values replace the defaults; flags win over both.
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	addr := fs.String("addr", getEnv("CHAT_ADDR", ":24793"), "chat listen address")
	metricsAddr := fs.String("metrics-addr", getEnv("CHAT_METRICS_ADDR", ":9090"), "metrics listen address, empty to disable")
	dbPath := fs.String("db", getEnv("CHAT_DB_PATH", "chat.db"), "sqlite database file")
	logLevel := fs.String("log-level", getEnv("CHAT_LOG_LEVEL", "info"), "debug, info, warn or error")
	acceptPoll := fs.Duration("accept-poll", getDurationEnv("CHAT_ACCEPT_POLL", time.Second), "how often the acceptor checks for shutdown")
	grace := fs.Duration("shutdown-grace", getDurationEnv("CHAT_SHUTDOWN_GRACE", 5*time.Second), "delay between the shutdown notice and closing sessions")
	sendBuffer := fs.Int("send-buffer", getIntEnv("CHAT_SEND_BUFFER", 64), "outbound lines buffered per client")
	adminLogin := fs.Bool("admin-login", getBoolEnv("CHAT_ADMIN_LOGIN", true), "require operator credentials on the console")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &Config{
		Addr:          *addr,
		MetricsAddr:   *metricsAddr,
		DBPath:        *dbPath,
		LogLevel:      ParseLevel(*logLevel),
		AcceptPoll:    *acceptPoll,
		ShutdownGrace: *grace,
		SendBuffer:    *sendBuffer,
		AdminLogin:    *adminLogin,
	}
	if cfg.AcceptPoll <= 0 {
		cfg.AcceptPoll = time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.ShutdownGrace < 0 {
		cfg.ShutdownGrace = 0
	}
	return cfg, nil
}
