package orchestrator

import (
	"sync"
	"time"
)

// StreamID uniquely identifies a stream. It is derived from the station name
// and never changes after creation.
type StreamID string

// State is the lifecycle state of a stream's worker.
type State string

const (
	StateCreated    State = "created"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateRestarting State = "restarting"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
	StateFailed     State = "failed"
	StateRemoved    State = "removed"
)

// InitialTrack is the current track text of a stream whose poller has not
// completed an iteration yet.
const InitialTrack = "Starting..."

// StreamConfig is the user-supplied, immutable configuration of a stream.
type StreamConfig struct {
	Name      string `json:"name"`
	SourceURL string `json:"url"`
	IconURL   string `json:"icon,omitempty"`
}

// StreamRecord is a consistent snapshot of one stream's configuration and
// live state. Records handed out by the Registry are copies; mutating them has
// no effect on the registry.
type StreamRecord struct {
	ID StreamID `json:"id"`
	StreamConfig

	CurrentTrack   string    `json:"current_track"`
	State          State     `json:"state"`
	Port           int       `json:"port,omitempty"`
	OutputEndpoint string    `json:"output_endpoint,omitempty"`
	PID            int       `json:"pid,omitempty"`
	Command        string    `json:"command,omitempty"`
	NeedsRestart   bool      `json:"needs_restart"`
	LastUpdate     time.Time `json:"last_update"`
	LastError      string    `json:"last_error,omitempty"`
}

// StreamState is the in-memory holder of a record. mu serializes every read
// and mutation of record; removed is set exactly once, by Registry.Remove, and
// makes every later operation on this holder fail with ErrNotFound.
type StreamState struct {
	mu      sync.Mutex
	record  StreamRecord
	removed bool
}

func newStreamState(id StreamID, cfg StreamConfig) *StreamState {
	return &StreamState{
		record: StreamRecord{
			ID:           id,
			StreamConfig: cfg,
			CurrentTrack: InitialTrack,
			State:        StateCreated,
		},
	}
}
