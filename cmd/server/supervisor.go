package main

import (
	"time"

	"stream-relay/internal/orchestrator"
	"stream-relay/internal/platform/config"
)

// supervisorConfig reads the worker, poller and relay timings from the
// environment.
func supervisorConfig(dataDir, workerHost string) orchestrator.Config {
	return orchestrator.Config{
		WorkerHost: workerHost,
		PortMin:    config.GetEnvInt("WORKER_PORT_MIN", 0),
		PortMax:    config.GetEnvInt("WORKER_PORT_MAX", 0),
		Workers: orchestrator.WorkerOptions{
			LogDir:         dataDir,
			LaunchGrace:    config.GetEnvDuration("LAUNCH_GRACE", 2*time.Second),
			RestartTimeout: config.GetEnvDuration("RESTART_TIMEOUT", 2*time.Second),
		},
		Poller: orchestrator.PollerOptions{
			Interval:      config.GetEnvDuration("POLL_INTERVAL", orchestrator.DefaultPollInterval),
			RetryInterval: config.GetEnvDuration("POLL_RETRY_INTERVAL", orchestrator.DefaultRetryInterval),
		},
		Relay: orchestrator.RelayOptions{
			ConnectWindow: config.GetEnvDuration("RELAY_CONNECT_WINDOW", 5*time.Second),
			RetryDelay:    config.GetEnvDuration("RELAY_RETRY_DELAY", 200*time.Millisecond),
		},
		StopTimeout: config.GetEnvDuration("STOP_TIMEOUT", 5*time.Second),
		PollerGrace: config.GetEnvDuration("POLLER_GRACE", 5*time.Second),
	}
}
