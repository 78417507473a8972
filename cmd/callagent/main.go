// Command callagent runs the local call agent: it owns this device's camera,
// microphone and screen, places and answers one-to-one calls over WebRTC and
// serves the control API that UI surfaces drive.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/observer/teacall/internal/api"
	"github.com/observer/teacall/internal/call"
	"github.com/observer/teacall/internal/config"
	"github.com/observer/teacall/internal/database"
	"github.com/observer/teacall/internal/domain"
	"github.com/observer/teacall/internal/media"
	"github.com/observer/teacall/internal/middleware"
	"github.com/observer/teacall/internal/peer"
	"github.com/observer/teacall/internal/retry"
	"github.com/observer/teacall/internal/server"
	"github.com/observer/teacall/internal/signaling"
	"github.com/observer/teacall/internal/storage"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Structured logging from the start
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("call agent stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	// Graceful shutdown setup
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Create context for initialization
	ctx, cancel := context.WithTimeout(shutdownCtx, 10*time.Second)
	defer cancel()

	local, err := localParticipant(cfg)
	if err != nil {
		return err
	}

	policy := retry.Policy{Attempts: cfg.RetryAttempts, Base: cfg.RetryBase, Cap: cfg.RetryCap}

	relay, err := openRelay(ctx, cfg, policy, logger)
	if err != nil {
		return fmt.Errorf("open signaling relay: %w", err)
	}
	defer relay.Close()

	channel := signaling.NewChannel(relay, local, signaling.ChannelOptions{
		CandidateRate:  cfg.CandidateRate,
		CandidateBurst: int(cfg.CandidateRate) + 1,
		Logger:         logger,
	})
	defer channel.Close()

	devices, err := media.NewCaptureDevices(logger)
	if err != nil {
		return fmt.Errorf("open capture devices: %w", err)
	}

	factory, err := peer.NewPionFactory(peer.PionConfig{ICEServers: cfg.ICEServers()}, logger)
	if err != nil {
		return fmt.Errorf("create peer connection factory: %w", err)
	}

	var archivers []call.Archiver
	archivers = append(archivers, call.ArchiverFunc(func(ctx context.Context, s domain.CallSummary) error {
		logger.Info("call finished",
			"session_id", s.Session.ID,
			"room_id", s.Session.RoomID,
			"state", s.Session.State,
			"end_reason", s.Session.EndReason,
			"duration_ms", s.Session.Duration(time.Now()).Milliseconds(),
		)
		return nil
	}))

	// Call history (optional - skip if not configured)
	var history api.History
	var db *database.DB
	if cfg.HistoryEnabled() {
		db, err = database.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer db.Close()

		if err := database.EnsureSchema(ctx, db, logger); err != nil {
			return fmt.Errorf("ensure database schema: %w", err)
		}
		repo := database.NewCallRepository(db)
		history = repo
		archivers = append(archivers, repo)
		logger.Info("call history enabled")
	}

	// Diagnostics reports (optional - skip if not configured)
	var reports api.Reports
	if cfg.ReportsEnabled() {
		store, err := storage.NewReportStore(storage.R2Config{
			AccountID:       cfg.R2AccountID,
			AccessKeyID:     cfg.R2AccessKeyID,
			SecretAccessKey: cfg.R2SecretAccessKey,
			Bucket:          cfg.R2Bucket,
		})
		if err != nil {
			return fmt.Errorf("initialize R2 storage: %w", err)
		}
		reports = store
		archivers = append(archivers, store)
		logger.Info("call reports enabled", "bucket", cfg.R2Bucket)
	} else {
		logger.Warn("R2 storage not configured - call reports disabled")
	}

	opts := peer.DefaultOptions()
	opts.MediaTimeout = cfg.MediaTimeout
	opts.ConnectTimeout = cfg.ConnectTimeout
	opts.Retry = policy

	registry, err := call.NewRegistry(call.Deps{
		Local:       local,
		Signaler:    channel,
		Acquirer:    media.NewDeviceAcquirer(devices, cfg.MediaTimeout, logger),
		Connections: factory,
		Options:     opts,
		Archivers:   archivers,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("create call registry: %w", err)
	}

	limiter := middleware.NewRateLimiter(120)
	deps := &server.Dependencies{
		CallHandler: api.NewCallHandler(registry, history, reports, logger),
		Limiter:     limiter,
		Logger:      logger,
	}
	if db != nil {
		deps.DB = db
	}
	srv := server.New(cfg, deps)

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-shutdownCtx.Done():
				return
			case <-ticker.C:
				limiter.Cleanup()
			}
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting control API", "addr", cfg.ControlAddr, "participant_id", local.ID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	// Wait for interrupt
	select {
	case <-shutdownCtx.Done():
	case err := <-serveErr:
		logger.Error("server error", "error", err)
	}
	logger.Info("shutting down gracefully...")

	timeoutCtx, timeoutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer timeoutCancel()

	// End the call first so the remote side sees a leave and devices are released
	if err := registry.Shutdown(timeoutCtx); err != nil {
		logger.Error("call registry shutdown", "error", err)
	}
	if err := srv.Shutdown(timeoutCtx); err != nil {
		logger.Error("forced shutdown", "error", err)
	}

	logger.Info("call agent stopped")
	return nil
}

// localParticipant builds the local identity, taking the ID from the relay
// token when it is not configured.
func localParticipant(cfg *config.Config) (domain.Participant, error) {
	p := domain.Participant{ID: cfg.ParticipantID, DisplayName: cfg.DisplayName, AvatarURL: cfg.AvatarURL}
	if cfg.SignalingToken != "" {
		creds, err := signaling.ParseCredentials(cfg.SignalingToken, time.Now())
		if err != nil {
			return domain.Participant{}, err
		}
		if p.ID == "" {
			p.ID = creds.Subject
		}
	}
	if err := p.Validate(); err != nil {
		return domain.Participant{}, fmt.Errorf("local participant: %w", err)
	}
	return p, nil
}

func openRelay(ctx context.Context, cfg *config.Config, policy retry.Policy, logger *slog.Logger) (signaling.Relay, error) {
	switch cfg.SignalingBackend {
	case config.BackendWebSocket:
		return signaling.DialWS(ctx, signaling.WSConfig{
			URL:    cfg.SignalingURL,
			Token:  cfg.SignalingToken,
			Policy: policy,
		}, logger)
	case config.BackendRedis:
		return signaling.NewRedisRelay(ctx, cfg.RedisURL, policy, logger)
	case config.BackendMemory:
		logger.Warn("using in-process signaling; calls only reach this process")
		return signaling.NewMemoryHub().Endpoint(), nil
	}
	return nil, fmt.Errorf("unknown signaling backend %q", cfg.SignalingBackend)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
