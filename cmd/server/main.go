package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stream-relay/internal/encoder"
	"stream-relay/internal/metadata"
	"stream-relay/internal/orchestrator"
	"stream-relay/internal/platform/config"
	"stream-relay/internal/platform/logger"
	"stream-relay/internal/platform/metrics"
	"stream-relay/internal/titlecard"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8000")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	dataDir := config.GetEnv("DATA_DIR", "output")
	cardDir := config.GetEnv("CARD_DIR", "static")
	ffmpegPath := config.GetEnv("FFMPEG_PATH", encoder.DefaultBinary)
	workerHost := config.GetEnv("WORKER_HOST", encoder.DefaultHost)
	stationsFile := config.GetEnv("STATIONS_FILE", "")

	log := logger.New(logLevel, logFormat)

	cards, err := titlecard.NewRenderer(cardDir)
	if err != nil {
		log.Error("title card renderer", "error", err)
		os.Exit(1)
	}

	source := metadata.NewClient(metadata.Options{
		Timeout: config.GetEnvDuration("FETCH_TIMEOUT", 5*time.Second),
		Rate:    float64(config.GetEnvInt("FETCH_RATE", 5)),
		Burst:   config.GetEnvInt("FETCH_BURST", 5),
	})

	met := metrics.New()
	svc := orchestrator.NewService(supervisorConfig(dataDir, workerHost),
		encoder.New(ffmpegPath, workerHost), source, cards, log, met)
	h := orchestrator.NewHandler(svc, log, met)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveStreams(svc.Registry().Len()) }).ServeHTTP(w, r)
	})
	h.Routes(r)

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"ffmpeg", ffmpegPath,
		"worker_host", workerHost,
		"log_level", logLevel,
	)

	seedStations(svc, stationsFile, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop workers first so open relay sessions end and Shutdown can drain.
	if err := svc.Shutdown(ctx); err != nil {
		log.Error("supervisor shutdown error", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
