package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"edge-capture-agent/internal/agent"
	"edge-capture-agent/internal/api"
	"edge-capture-agent/internal/capture"
	"edge-capture-agent/internal/config"
	"edge-capture-agent/internal/input"
	"edge-capture-agent/internal/models"
	"edge-capture-agent/internal/queue"
	"edge-capture-agent/internal/ratelimit"
	"edge-capture-agent/internal/remote"
	"edge-capture-agent/internal/session"
	"edge-capture-agent/internal/status"
	"edge-capture-agent/internal/store"
	"edge-capture-agent/internal/voice"
	workerproc "edge-capture-agent/internal/worker"
)

func main() {
	configPath := pflag.String("config", "", "path to the agent config file (JSON, comments allowed)")
	retryFailed := pflag.Bool("retry-failed", false, "return failed events to the queue before starting")
	pflag.Parse()

	if err := run(*configPath, *retryFailed); err != nil {
		log.Printf("agent: %v", err)
		os.Exit(1)
	}
}

func run(configPath string, retryFailed bool) error {
	if configPath == "" {
		return errors.New("--config is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		log.Printf("agent: received %s, shutting down", sig)
		cancel()
	}()

	q, err := queue.Open(ctx, cfg.QueuePath, queue.WithVisibilityTimeout(cfg.VisibilityTimeout))
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	defer q.Close()

	if retryFailed {
		n, err := q.RetryFailed(ctx)
		if err != nil {
			return fmt.Errorf("retry failed events: %w", err)
		}
		log.Printf("agent: returned %d failed events to the queue", n)
	}

	cam, err := capture.OpenFrameFile(cfg.CameraSource)
	if err != nil {
		return fmt.Errorf("camera unavailable: %w", err)
	}
	defer cam.Close()

	keys, err := input.Open(cfg.InputSource)
	if err != nil {
		return fmt.Errorf("input device unavailable: %w", err)
	}
	defer keys.Close()

	sinks := []status.Sink{status.LogSink{}}
	var throttle workerproc.Throttle
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		sinks = append(sinks, status.NewRedisSink(rdb, cfg.StatusChannel, cfg.DeviceID))
		if cfg.UploadRateCapacity > 0 {
			throttle = ratelimit.NewTokenBucket(rdb, cfg.DeviceID, cfg.UploadRateCapacity, cfg.UploadRateRefill, time.Hour)
		}
	}
	tracker := status.NewTracker(sinks...)

	var media remote.MediaStore
	s3Media, err := remote.NewS3Media(ctx, cfg)
	if err != nil {
		log.Printf("agent: s3 offload disabled: %v", err)
	} else if s3Media != nil {
		media = s3Media
	}
	client := remote.New(cfg, media)

	pingCtx, pingCancel := context.WithTimeout(ctx, cfg.HTTPTimeout)
	if err := client.Ping(pingCtx); err != nil {
		log.Printf("agent: backend unreachable, starting offline: %v", err)
		tracker.Set(ctx, status.Offline)
	}
	pingCancel()

	storage := store.NewCapacityManager(cfg.MediaRoot, cfg.MaxStorageBytes, cfg.MaxFiles, q)
	state := session.NewState()
	syncer := session.NewSyncer(client, state, cfg.ProcessInterval, tracker)
	agt := agent.New(cfg, state, q, storage, cam, voiceRecorder(cfg), tracker)

	processor := workerproc.NewProcessor(cfg, q, tracker)
	for _, kind := range models.Kinds {
		processor.RegisterHandler(kind, client.Upload)
	}
	processor.UseCapacity(storage)
	if throttle != nil {
		processor.UseThrottle(throttle)
	}

	healthServer := &http.Server{
		Addr:              cfg.HealthAddr,
		Handler:           api.New(q, storage, state, tracker, syncer.Online).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("agent: %s stopped: %v", name, err)
			}
		}()
	}
	start("session sync", syncer.Run)
	start("upload worker", processor.Run)

	go func() {
		log.Printf("agent: health listening on %s", cfg.HealthAddr)
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("agent: health server stopped: %v", err)
		}
	}()

	// The input reader is not joined: a blocked read on stdin cannot be
	// interrupted, and closing the device on exit releases it.
	go func() {
		if err := keys.Run(ctx, agt.Dispatch); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("agent: input stopped: %v", err)
		}
	}()

	log.Printf("agent: started device=%s storage=%s queue=%s max_attempts=%d", cfg.DeviceID, cfg.StorageRoot, cfg.QueuePath, cfg.MaxAttempts)
	<-ctx.Done()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()
	_ = healthServer.Shutdown(shutdownCtx)
	if err := agt.Shutdown(shutdownCtx); err != nil {
		log.Printf("agent: action still running at shutdown: %v", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Printf("agent: stopped")
	case <-shutdownCtx.Done():
		log.Printf("agent: shutdown timed out after %s", cfg.ShutdownTimeout)
	}
	return nil
}

func voiceRecorder(cfg config.Config) voice.Recorder {
	rec := voice.NewRecorder(cfg.VoiceCommand)
	if _, ok := rec.(voice.Disabled); ok {
		log.Printf("agent: voice notes unavailable, defect flags will be skipped")
	}
	return rec
}
