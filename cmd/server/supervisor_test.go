package main

import (
	"testing"
	"time"
)

func TestSupervisorConfig_defaults(t *testing.T) {
	cfg := supervisorConfig("output", "127.0.0.1")

	if cfg.Relay.ConnectWindow != 5*time.Second {
		t.Errorf("expected 5s connect window, got %v", cfg.Relay.ConnectWindow)
	}
	if cfg.Relay.RetryDelay != 200*time.Millisecond {
		t.Errorf("expected 200ms retry delay, got %v", cfg.Relay.RetryDelay)
	}
	if cfg.Workers.LogDir != "output" || cfg.WorkerHost != "127.0.0.1" {
		t.Errorf("unexpected worker settings: %+v", cfg)
	}
	if cfg.Poller.Interval != 30*time.Second {
		t.Errorf("expected 30s poll interval, got %v", cfg.Poller.Interval)
	}
}

func TestSupervisorConfig_relay_from_env(t *testing.T) {
	t.Setenv("RELAY_CONNECT_WINDOW", "8s")
	t.Setenv("RELAY_RETRY_DELAY", "1")
	t.Setenv("STOP_TIMEOUT", "3s")

	cfg := supervisorConfig("data", "0.0.0.0")

	if cfg.Relay.ConnectWindow != 8*time.Second {
		t.Errorf("expected 8s connect window, got %v", cfg.Relay.ConnectWindow)
	}
	if cfg.Relay.RetryDelay != time.Second {
		t.Errorf("expected 1s retry delay, got %v", cfg.Relay.RetryDelay)
	}
	if cfg.StopTimeout != 3*time.Second {
		t.Errorf("expected 3s stop timeout, got %v", cfg.StopTimeout)
	}
}
