package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"qrollcall/internal/attendance"
	"qrollcall/internal/auth"
	"qrollcall/internal/config"
	"qrollcall/internal/httpmiddleware"
	"qrollcall/internal/queue"
	"qrollcall/internal/store"
	"qrollcall/internal/token"
)

func main() {
	cfg := config.Load()

	log := logrus.New()
	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	if err := runHTTP(cfg, log); err != nil {
		log.WithError(err).Fatal("http server failed")
	}
}

func runHTTP(cfg config.App, log *logrus.Logger) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	repo := attendance.NewRepository(db.Client)
	if err := repo.Migrate(context.Background()); err != nil {
		return err
	}

	codec := token.NewCodec(cfg.TokenSecret)
	manager := attendance.NewSessionManager(repo, codec, attendance.SessionConfig{
		RotationSeconds:     cfg.RotationSeconds,
		SessionMinutes:      cfg.SessionMinutes,
		StrictDeviceBinding: cfg.StrictDeviceBinding,
	}, log)
	scanner := attendance.NewScanProcessor(repo, repo, codec)
	overrides := attendance.NewOverrideService(repo, repo,
		attendance.NewCompositeResolver(repo, cfg.AdminEmails), log)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "qrollcall:anomalies")
	}

	var limiter httpmiddleware.Limiter
	if cfg.RateLimitBackend == "redis" {
		limiter = httpmiddleware.NewRedisFixedWindow(redisClient.Client, cfg.RateLimitPerMin, time.Minute)
	} else {
		limiter = httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(limiter.GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	v1 := r.Group("/v1", auth.Require(cfg.JWTSigningKey, cfg.JWTIssuer))

	staff := v1.Group("", auth.RequireStaff())

	staff.POST("/sessions", func(c *gin.Context) {
		var req struct {
			ClassID   string  `json:"class_id" binding:"required"`
			SubjectID *string `json:"subject_id"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		id := auth.IdentityFrom(c)
		s, err := manager.CreateSession(c.Request.Context(), req.ClassID, req.SubjectID, id.UID)
		if err != nil {
			abortWith(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"session_id":       s.ID,
			"token":            s.CurrentToken,
			"rotation_seconds": s.RotationSeconds,
			"end_at":           s.EndAt,
		})
	})

	staff.POST("/sessions/:id/close", func(c *gin.Context) {
		if err := manager.CloseSession(c.Request.Context(), c.Param("id")); err != nil {
			abortWith(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	staff.GET("/sessions/:id", func(c *gin.Context) {
		s, err := manager.GetSession(c.Request.Context(), c.Param("id"))
		if err != nil {
			abortWith(c, err)
			return
		}
		c.JSON(http.StatusOK, s)
	})

	staff.GET("/sessions/:id/marks", func(c *gin.Context) {
		marks, err := repo.ListMarks(c.Request.Context(), c.Param("id"))
		if err != nil {
			abortWith(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"marks": marks})
	})

	staff.GET("/sessions/:id/events", func(c *gin.Context) {
		limit, offset := 50, 0
		if v := c.Query("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				limit = parsed
			}
		}
		if v := c.Query("offset"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				offset = parsed
			}
		}
		events, err := repo.ListEvents(c.Request.Context(), c.Param("id"), limit, offset)
		if err != nil {
			abortWith(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": events})
	})

	v1.POST("/sessions/:id/scan", func(c *gin.Context) {
		var req struct {
			Token      string `json:"token" binding:"required"`
			DeviceHash string `json:"device_hash"`
			Status     string `json:"status" binding:"omitempty,oneof=present absent late leave"`
			Reason     string `json:"reason" binding:"omitempty,oneof=medical official other"`
			Note       string `json:"note"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		id := auth.IdentityFrom(c)
		mark, err := scanner.Scan(c.Request.Context(), attendance.ScanInput{
			SessionID:  c.Param("id"),
			Token:      req.Token,
			UID:        id.UID,
			DeviceHash: req.DeviceHash,
			Status:     req.Status,
			Reason:     req.Reason,
			Note:       req.Note,
		})
		if err != nil {
			if errors.Is(err, attendance.ErrDeviceChangeBlocked) {
				publishAnomaly(c.Request.Context(), q, log, c.Param("id"), id.UID, req.DeviceHash)
			}
			abortWith(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "status": mark.Status, "at": mark.MarkedAt})
	})

	v1.POST("/sessions/:id/override", func(c *gin.Context) {
		var req struct {
			UID    string `json:"uid" binding:"required"`
			Status string `json:"status" binding:"required,oneof=present absent late leave"`
			Reason string `json:"reason" binding:"omitempty,oneof=medical official other"`
			Note   string `json:"note"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		actor := auth.IdentityFrom(c)
		mark, err := overrides.Override(c.Request.Context(), c.Param("id"), req.UID, req.Status, actor, req.Reason, req.Note)
		if err != nil {
			abortWith(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "mark": mark})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithField("port", cfg.HTTPPort).Info("starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down server")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("server forced shutdown")
	}

	log.Info("server exited")
	return nil
}

// abortWith maps protocol errors to HTTP statuses. Error bodies carry
// only the taxonomy kind, never payload internals.
func abortWith(c *gin.Context, err error) {
	switch {
	case errors.Is(err, attendance.ErrAuthRequired):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, attendance.ErrPermissionDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, attendance.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, attendance.ErrSessionClosed),
		errors.Is(err, attendance.ErrDeviceChangeBlocked):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, attendance.ErrInvalidStatus),
		errors.Is(err, token.ErrBadToken),
		errors.Is(err, token.ErrSigMismatch),
		errors.Is(err, token.ErrExpired):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
	}
}

func publishAnomaly(ctx context.Context, q queue.Queue, log *logrus.Logger, sessionID, uid, deviceHash string) {
	body, _ := json.Marshal(map[string]any{
		"session_id":  sessionID,
		"uid":         uid,
		"device_hash": deviceHash,
		"at":          time.Now().UTC(),
	})
	if err := q.Publish(ctx, queue.Message{Type: "anomaly", Body: body}); err != nil {
		log.WithError(err).Warn("anomaly publish failed")
	}
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
