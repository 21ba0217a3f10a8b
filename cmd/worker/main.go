package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"qrollcall/internal/attendance"
	"qrollcall/internal/config"
	"qrollcall/internal/queue"
	"qrollcall/internal/store"
	"qrollcall/internal/token"
)

// Worker rotates session tokens on a fixed tick, closes sessions past
// their end_at horizon, and drains the anomaly queue for staff review.
func main() {
	cfg := config.Load()

	log := logrus.New()
	if cfg.Env == "production" || cfg.Env == "prod" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("db connect failed")
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	repo := attendance.NewRepository(db.Client)
	if err := repo.Migrate(ctx); err != nil {
		log.WithError(err).Fatal("migrate failed")
	}

	codec := token.NewCodec(cfg.TokenSecret)
	manager := attendance.NewSessionManager(repo, codec, attendance.SessionConfig{
		RotationSeconds:     cfg.RotationSeconds,
		SessionMinutes:      cfg.SessionMinutes,
		StrictDeviceBinding: cfg.StrictDeviceBinding,
	}, log)

	// A tick coarser than the minimum TTL leaves stale tokens on
	// display between refreshes.
	minTTL := time.Duration(attendance.MinRotationSeconds) * time.Second
	if cfg.RotateTick > minTTL {
		log.WithFields(logrus.Fields{
			"tick":    cfg.RotateTick,
			"min_ttl": minTTL,
		}).Warn("rotate tick exceeds minimum token ttl")
	}

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "qrollcall:anomalies")
	}

	go consumeAnomalies(ctx, q, log)

	log.WithField("tick", cfg.RotateTick).Info("rotation worker started")
	ticker := time.NewTicker(cfg.RotateTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			manager.CloseExpired(ctx)
			manager.RotateTokens(ctx)
		case <-ctx.Done():
			log.Info("rotation worker stopped")
			return
		}
	}
}

// consumeAnomalies logs device-change anomalies so staff can review
// them alongside the session audit trail.
func consumeAnomalies(ctx context.Context, q queue.Queue, log *logrus.Logger) {
	messages, err := q.Consume(ctx)
	if err != nil {
		log.WithError(err).Error("anomaly consume init failed")
		return
	}
	for msg := range messages {
		if msg.Type != "anomaly" {
			continue
		}
		var body struct {
			SessionID  string    `json:"session_id"`
			UID        string    `json:"uid"`
			DeviceHash string    `json:"device_hash"`
			At         time.Time `json:"at"`
		}
		if err := json.Unmarshal(msg.Body, &body); err != nil {
			log.WithError(err).Warn("malformed anomaly message")
			continue
		}
		log.WithFields(logrus.Fields{
			"session_id":  body.SessionID,
			"uid":         body.UID,
			"device_hash": body.DeviceHash,
			"at":          body.At,
		}).Warn("device change anomaly")
	}
}
