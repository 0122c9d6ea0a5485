package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/campus-enroll-api/api/swagger"
	"github.com/noah-isme/campus-enroll-api/internal/handler"
	"github.com/noah-isme/campus-enroll-api/internal/middleware"
	"github.com/noah-isme/campus-enroll-api/internal/models"
	"github.com/noah-isme/campus-enroll-api/internal/repository"
	"github.com/noah-isme/campus-enroll-api/internal/service"
	"github.com/noah-isme/campus-enroll-api/pkg/cache"
	"github.com/noah-isme/campus-enroll-api/pkg/config"
	"github.com/noah-isme/campus-enroll-api/pkg/database"
	"github.com/noah-isme/campus-enroll-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/campus-enroll-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/campus-enroll-api/pkg/middleware/requestid"
)

// @title Campus Enrollment API
// @version 1.0.0
// @description Course catalog and enrollment transactions for university registration.
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := database.RunMigrations(db.DB, logr); err != nil {
			logr.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	redisClient, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		logr.Fatal("failed to connect to redis", zap.Error(err))
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	var metrics *service.MetricsService
	if cfg.Metrics.Enabled {
		metrics = service.NewMetricsService()
	}

	app := buildApp(cfg, db, redisClient, metrics, logr)
	app.dispatcher.Start(ctx)
	defer app.dispatcher.Stop()

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}
	r := newRouter(cfg, app, metrics, logr)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env, "prefix", cfg.APIPrefix)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("graceful shutdown failed", zap.Error(err))
	}
}

type application struct {
	auth          *handler.AuthHandler
	profile       *handler.ProfileHandler
	courses       *handler.CourseHandler
	enrollments   *handler.EnrollmentHandler
	notifications *handler.NotificationHandler
	metrics       *handler.MetricsHandler

	authService *service.AuthService
	audit       *repository.AuditRepository
	dispatcher  *service.NotificationDispatcher
}

func buildApp(cfg *config.Config, db *sqlx.DB, redisClient *redis.Client, metrics *service.MetricsService, logr *zap.Logger) *application {
	validate := validator.New()

	userRepo := repository.NewUserRepository(db)
	courseRepo := repository.NewCourseRepository(db)
	enrollmentRepo := repository.NewEnrollmentRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	var (
		cacheRepo service.CacheRepository
		realtime  interface {
			Publish(ctx context.Context, channel string, payload interface{}) error
		}
	)
	if redisClient != nil {
		redisRepo := repository.NewCacheRepository(redisClient)
		cacheRepo = redisRepo
		realtime = redisRepo
	}
	cacheSvc := service.NewCacheService(cacheRepo, metrics, cfg.Catalog.CacheTTL, logr, cfg.Catalog.CacheEnabled)

	txOpts := database.TxOptions{
		MaxRetries: cfg.Enrollment.TxMaxRetries,
		Backoff:    cfg.Enrollment.TxRetryBackoff,
		Logger:     logr,
	}
	if metrics != nil {
		txOpts.OnRetry = metrics.RecordTxRetry
	}
	tx := database.NewTxRunner(db, txOpts)

	dispatcher := service.NewNotificationDispatcher(realtime, cacheSvc, metrics, service.DispatcherConfig{
		RealtimeEnabled: cfg.Notifications.RealtimeEnabled && realtime != nil,
		ChannelPrefix:   cfg.Notifications.ChannelPrefix,
		Workers:         cfg.Notifications.Workers,
		Retries:         cfg.Notifications.Retries,
	}, logr)

	courseSvc := service.NewCourseService(courseRepo, enrollmentRepo, tx, cacheSvc, dispatcher, validate, service.CourseConfig{
		MaxPageSize:         cfg.Enrollment.MaxPageSize,
		AlmostFullThreshold: cfg.Enrollment.AlmostFullThreshold,
	}, logr)
	notificationSvc := service.NewNotificationService(notificationRepo, cfg.Enrollment.MaxPageSize, logr)
	enrollmentSvc := service.NewEnrollmentService(
		enrollmentRepo,
		userRepo,
		courseRepo,
		courseSvc,
		notificationSvc,
		tx,
		dispatcher,
		metrics,
		validate,
		service.EnrollmentConfig{
			ActiveTerm:               cfg.Enrollment.ActiveTerm,
			DefaultMaxCredits:        cfg.Enrollment.DefaultMaxCredits,
			MaxPageSize:              cfg.Enrollment.MaxPageSize,
			EnforceScheduleConflicts: cfg.Enrollment.EnforceScheduleConflicts,
		},
		logr,
	)
	authSvc := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret: cfg.JWT.Secret,
		AccessTokenExpiry: cfg.JWT.Expiration,
		Issuer:            cfg.JWT.Issuer,
		DefaultMaxCredits: cfg.Enrollment.DefaultMaxCredits,
	})
	profileSvc := service.NewProfileService(userRepo, validate, logr)

	checks := map[string]handler.ReadinessCheck{
		"database": db.PingContext,
	}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	return &application{
		auth:          handler.NewAuthHandler(authSvc),
		profile:       handler.NewProfileHandler(profileSvc),
		courses:       handler.NewCourseHandler(courseSvc),
		enrollments:   handler.NewEnrollmentHandler(enrollmentSvc),
		notifications: handler.NewNotificationHandler(notificationSvc),
		metrics:       handler.NewMetricsHandler(metrics, checks),
		authService:   authSvc,
		audit:         auditRepo,
		dispatcher:    dispatcher,
	}
}

func newRouter(cfg *config.Config, app *application, metrics *service.MetricsService, logr *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metrics))
	r.Use(middleware.WithResponseMeta())

	r.GET("/health", app.metrics.Health)
	r.GET("/ready", app.metrics.Ready)
	if metrics != nil {
		r.GET("/metrics", app.metrics.Prometheus)
	}
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	requireAuth := middleware.JWT(app.authService)
	adminOnly := middleware.RequireRoles(models.RoleAdmin)
	audit := func(action string, resource string) gin.HandlerFunc {
		return middleware.Audit(app.audit, logr, action, resource)
	}

	auth := api.Group("/auth")
	auth.POST("/register", app.auth.Register)
	auth.POST("/login", app.auth.Login)

	me := api.Group("/me", requireAuth)
	me.GET("", app.profile.Get)
	me.PUT("", app.profile.Update)

	courses := api.Group("/courses")
	courses.GET("", middleware.OptionalJWT(app.authService), app.courses.List)
	courses.GET("/:id", middleware.OptionalJWT(app.authService), app.courses.Get)
	courses.POST("", requireAuth, adminOnly, audit(models.AuditActionCourseCreate, "course"), app.courses.Create)
	courses.PUT("/:id", requireAuth, adminOnly, audit(models.AuditActionCourseUpdate, "course"), app.courses.Update)
	courses.DELETE("/:id", requireAuth, adminOnly, audit(models.AuditActionCourseDelete, "course"), app.courses.Delete)
	courses.GET("/:id/roster", requireAuth, adminOnly, audit(models.AuditActionRosterExport, "course"), app.courses.Roster)

	enroll := api.Group("/enroll", requireAuth)
	enroll.POST("", app.enrollments.Create)
	enroll.GET("", app.enrollments.List)
	enroll.GET("/credits", app.enrollments.Credits)
	enroll.GET("/:id", app.enrollments.Get)
	enroll.PUT("/:id", audit(models.AuditActionEnrollmentDecide, "enrollment"), app.enrollments.Decide)
	enroll.DELETE("/:id", audit(models.AuditActionEnrollmentCancel, "enrollment"), app.enrollments.Cancel)

	notifications := api.Group("/notifications", requireAuth)
	notifications.GET("", app.notifications.List)
	notifications.PATCH("", app.notifications.MarkRead)
	notifications.DELETE("", app.notifications.Delete)

	return r
}
