package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config carries every tunable the engine reads from the environment.
// It is built once in main and passed to component constructors; nothing
// below main reads the environment directly.
type Config struct {
	// Persistence
	DBPath string

	// Polling
	PollInterval time.Duration

	// Job settings
	JobTimeout      time.Duration
	JobNamespace    string
	JobImage        string
	SupervisorImage string
	JobSecretName   string
	MaxParallelJobs int

	// Lock settings. A crashed holder's lock is only reclaimable after
	// LockTimeout, so failover takes up to that long; HeartbeatInterval
	// must stay well below it.
	LockTimeout       time.Duration
	HeartbeatInterval time.Duration

	// HTTP API
	HTTPAddr string

	// Notifications (optional)
	SlackWebhookURL string

	// Logging
	LogLevel string
}

// FromEnv loads configuration with the documented defaults.
func FromEnv() (Config, error) {
	pollMs, err := envInt("POLL_INTERVAL_MS", 5000)
	if err != nil {
		return Config{}, err
	}
	timeoutMin, err := envInt("JOB_TIMEOUT_MINUTES", 30)
	if err != nil {
		return Config{}, err
	}
	maxParallel, err := envInt("MAX_PARALLEL_JOBS", 10)
	if err != nil {
		return Config{}, err
	}
	lockTimeoutSec, err := envInt("LOCK_TIMEOUT_SECONDS", 30)
	if err != nil {
		return Config{}, err
	}
	heartbeatSec, err := envInt("HEARTBEAT_INTERVAL_SECONDS", 10)
	if err != nil {
		return Config{}, err
	}

	return Config{
		DBPath:            envStr("DB_PATH", "swarmengine.db"),
		PollInterval:      time.Duration(pollMs) * time.Millisecond,
		JobTimeout:        time.Duration(timeoutMin) * time.Minute,
		JobNamespace:      envStr("JOB_NAMESPACE", "agent-swarm"),
		JobImage:          envStr("JOB_IMAGE", "agent-swarm/worker:latest"),
		SupervisorImage:   envStr("SUPERVISOR_IMAGE", "agent-swarm/supervisor:latest"),
		JobSecretName:     envStr("JOB_SECRET_NAME", "agent-swarm-secrets"),
		MaxParallelJobs:   maxParallel,
		LockTimeout:       time.Duration(lockTimeoutSec) * time.Second,
		HeartbeatInterval: time.Duration(heartbeatSec) * time.Second,
		HTTPAddr:          envStr("HTTP_ADDR", ":8080"),
		SlackWebhookURL:   envStr("SLACK_WEBHOOK_URL", ""),
		LogLevel:          envStr("LOG_LEVEL", "info"),
	}, nil
}

func envStr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %q", name, v)
	}
	return n, nil
}
