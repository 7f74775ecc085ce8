package main

import (
	"context"
	"log/slog"

	"stream-relay/internal/orchestrator"
	"stream-relay/internal/platform/config"
)

// seedStations adds every station listed in path. Failures are logged and do
// not stop the server.
func seedStations(svc *orchestrator.Service, path string, log *slog.Logger) {
	stations, err := config.LoadStations(path)
	if err != nil {
		log.Error("load stations", "path", path, "error", err)
		return
	}

	for _, st := range stations {
		id, err := svc.AddStream(context.Background(), orchestrator.StreamConfig{
			Name:      st.Name,
			SourceURL: st.URL,
			IconURL:   st.Icon,
		})
		if err != nil {
			log.Error("seed station failed", "name", st.Name, "error", err)
			continue
		}
		log.Info("seeded station", "stream_id", string(id), "name", st.Name)
	}
}
