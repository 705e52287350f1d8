package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sprayworks/foam_backend/config"
	"github.com/sprayworks/foam_backend/metrics"
	"github.com/sprayworks/foam_backend/middlewares"
	"github.com/sprayworks/foam_backend/models"
	"github.com/sprayworks/foam_backend/realtime"
	"github.com/sprayworks/foam_backend/syncapi"
	"github.com/sprayworks/foam_backend/utils"
	"github.com/sprayworks/foam_backend/workflow"
	"gorm.io/gorm"
)

const defaultPort = "8080"

// services are the dependencies built once DB and Redis are up.
type services struct {
	db         *gorm.DB
	rdb        *redis.Client
	logger     *logrus.Logger
	hub        *realtime.Hub
	bus        *realtime.Bus
	reconciler *workflow.Reconciler
	writers    *workflow.Writers
	processor  *workflow.RetryQueueProcessor
	api        *syncapi.API
	settings   config.RetryQueueSettings
}

func newServices(ctx context.Context, db *gorm.DB, rdb *redis.Client, logger *logrus.Logger) *services {
	s := &services{db: db, rdb: rdb, logger: logger, settings: config.GetRetryQueueSettings()}
	s.hub = realtime.NewHub()
	s.bus = realtime.NewBus(s.hub, rdb, logger)
	s.reconciler = workflow.NewReconciler(db, logger, config.GetRedisLock(), s.bus)
	s.writers = workflow.NewWriters(db, logger, s.reconciler, s.bus)
	s.processor = workflow.NewRetryQueueProcessor(db, logger, s.writers, s.settings)

	if topic := config.DeadLetterTopic(); topic != "" {
		s.processor.DeadLetter = workflow.PubSubDeadLetter{Topic: topic}
	}
	var archiver workflow.RetryQueueArchiver
	if bucket := config.RetryQueueArchiveBucket(); bucket != "" {
		client, err := config.GetGCSClient(ctx)
		if err != nil {
			config.LogError(logger, "server.go", "newServices", "GetGCSClient", bucket, err)
		} else {
			archiver = &workflow.GCSArchiver{Client: client, Bucket: bucket}
		}
	}

	s.api = &syncapi.API{
		DB:           db,
		Logger:       logger,
		Writers:      s.writers,
		Reconciler:   s.reconciler,
		Processor:    s.processor,
		Archiver:     archiver,
		Broadcast:    s.bus,
		Settings:     s.settings,
		CrewSecret:   config.CrewTokenSecret,
		CrewLifetime: config.CrewTokenLifetime(),
	}
	return s
}

func newRouter(s *services) *gin.Engine {
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Header("x-correlation-id", cid)
		c.Next()
	})
	r.Use(middlewares.MetricsMiddleware())

	allowedOrigins := splitAndTrim(os.Getenv("CORS_ALLOWED_ORIGINS"))
	corsConfig := cors.DefaultConfig()
	// In production require an explicit allowlist; deny all when it is missing.
	if config.IsProduction() {
		corsConfig.AllowOrigins = allowedOrigins
		if len(allowedOrigins) == 0 {
			corsConfig.AllowOrigins = []string{}
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", "X-Internal-Key", "x-correlation-id")
	corsConfig.AddExposeHeaders("Content-Length", "x-correlation-id")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	// Optional global rate limit.
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		limit := int64(envInt("RATE_LIMIT_MAX_REQUESTS", 600))
		window := time.Duration(envInt("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second
		r.Use(middlewares.NewRateLimiter(s.rdb, "api", limit, window).Middleware())
	}

	r.Use(middlewares.SessionMiddleware(middlewares.RedisAdminResolver))
	r.Use(middlewares.CrewAuthMiddleware(config.CrewTokenSecret))
	r.Use(customErrorLogger(s.logger))
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", metrics.Handler())

	ws := &realtime.Handler{Hub: s.hub, Logger: s.logger, OriginPatterns: originPatterns(allowedOrigins)}
	r.GET("/ws", ws.ServeWS)

	// PIN guessing is throttled separately from the global limit.
	crewLimiter := middlewares.NewRateLimiter(s.rdb, "crew-session",
		int64(envInt("CREW_SESSION_RATE_LIMIT", 10)), time.Minute).Middleware()
	s.api.Register(r, config.InternalAPIKey, crewLimiter)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	return r
}

func originPatterns(allowed []string) []string {
	if !config.IsProduction() {
		return []string{"*"}
	}
	out := make([]string, 0, len(allowed))
	for _, o := range allowed {
		o = strings.TrimPrefix(strings.TrimPrefix(o, "https://"), "http://")
		out = append(out, o)
	}
	return out
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}
	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start listening before dependencies are up so startup probes pass.
	// Until the router is ready every path except /healthz answers 503.
	var app atomic.Pointer[gin.Engine]
	srv := &http.Server{
		Addr: ":" + port,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/healthz" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			if h := app.Load(); h != nil {
				h.ServeHTTP(w, r)
				return
			}
			w.WriteHeader(http.StatusServiceUnavailable)
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry(sigCtx)

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can block tables; allow running it as a separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable(db)
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := config.RetrySleep(attempt)
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	s := newServices(sigCtx, db, config.GetRedisDB(), logger)

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	go s.bus.Run(workerCtx)
	if s.settings.ProcessorEnabled {
		go s.processor.Run(workerCtx)
	} else {
		logger.WithFields(logrus.Fields{"field": "retry_queue"}).Info("in-process retry queue processor disabled")
	}

	app.Store(newRouter(s))
	logger.WithFields(logrus.Fields{"info": "Connection Established", "port": port}).Info("server ready")
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelWorkers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger logs only requests that collected gin errors.
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
