package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/franorzabal-hub/kairos-api/api/swagger"
	"github.com/franorzabal-hub/kairos-api/internal/handler"
	"github.com/franorzabal-hub/kairos-api/internal/middleware"
	"github.com/franorzabal-hub/kairos-api/internal/models"
	"github.com/franorzabal-hub/kairos-api/internal/repository"
	"github.com/franorzabal-hub/kairos-api/internal/service"
	"github.com/franorzabal-hub/kairos-api/pkg/cache"
	"github.com/franorzabal-hub/kairos-api/pkg/config"
	"github.com/franorzabal-hub/kairos-api/pkg/database"
	"github.com/franorzabal-hub/kairos-api/pkg/jobs"
	"github.com/franorzabal-hub/kairos-api/pkg/logger"
	"github.com/franorzabal-hub/kairos-api/pkg/mail"
	corsmiddleware "github.com/franorzabal-hub/kairos-api/pkg/middleware/cors"
	reqidmiddleware "github.com/franorzabal-hub/kairos-api/pkg/middleware/requestid"
	"github.com/franorzabal-hub/kairos-api/pkg/storage"
)

// @title Kairos API
// @version 0.1.0
// @description Audience resolution, messaging and trial management for school communities
// @BasePath /
// @schemes http

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

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, caching disabled", "error", err)
		redisClient = nil
	}

	var mailer mail.Sender = mail.NopSender{}
	if cfg.Mail.Enabled {
		mailer = mail.NewSendgridSender(cfg.Mail, logr)
	}

	// Repositories.
	cacheRepo := repository.NewCacheRepository(redisClient, logr)
	userRepo := repository.NewUserRepository(db)
	institutionRepo := repository.NewInstitutionRepository(db)
	hierarchyRepo := repository.NewHierarchyRepository(db)
	enrollmentRepo := repository.NewEnrollmentRepository(db)
	studentRepo := repository.NewStudentRepository(db)
	guardianRepo := repository.NewGuardianRepository(db)
	staffRepo := repository.NewStaffRepository(db)
	inviteRepo := repository.NewInviteRepository(db)
	messageRepo := repository.NewMessageRepository(db)
	newsRepo := repository.NewNewsRepository(db)
	eventRepo := repository.NewEventRepository(db)

	// Trial write-backs ride on the in-memory queue; the handler is bound
	// after the service exists, so wire through a small indirection.
	var trialSvc *service.TrialService
	trialQueue := jobs.NewQueue("trial", func(ctx context.Context, job jobs.Job) error {
		return trialSvc.HandleWriteBack(ctx, job)
	}, jobs.QueueConfig{Workers: 2, Logger: logr})

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	trialQueue.Start(rootCtx)
	defer trialQueue.Stop()

	// Services.
	metricsSvc := service.NewMetricsService()
	authSvc := service.NewAuthService(userRepo, cfg.JWT, nil, logr)
	trialSvc = service.NewTrialService(institutionRepo, cacheRepo, trialQueue, mailer, cfg.Trial, logr)
	audienceSvc := service.NewAudienceService(hierarchyRepo, enrollmentRepo, guardianRepo, staffRepo, nil, logr)
	permissionSvc := service.NewPermissionService(guardianRepo, studentRepo, staffRepo, hierarchyRepo, cacheRepo, cfg.Cache.DefaultTTL, logr)
	invitationSvc := service.NewInvitationService(inviteRepo, guardianRepo, studentRepo, institutionRepo, userRepo, permissionSvc, mailer, cfg.Invitations, nil, logr)
	messageSvc := service.NewMessageService(messageRepo, audienceSvc, guardianRepo, permissionSvc, mailer, nil, logr)
	studentSvc := service.NewStudentService(studentRepo, enrollmentRepo, permissionSvc, logr)
	newsSvc := service.NewNewsService(newsRepo, permissionSvc, audienceSvc, nil, logr)
	eventSvc := service.NewEventService(eventRepo, permissionSvc, guardianRepo, audienceSvc, nil, logr)

	var reportSvc *service.ReportService
	if cfg.Reports.Enabled {
		store, err := storage.NewLocalStorage(cfg.Reports.StorageDir)
		if err != nil {
			logr.Sugar().Fatalw("failed to init report storage", "error", err)
		}
		signer := storage.NewSignedURLSigner(cfg.Reports.SignedURLSecret, cfg.Reports.SignedURLTTL)
		reportSvc = service.NewReportService(messageSvc, store, signer, logr)
	} else {
		reportSvc = service.NewReportService(messageSvc, nil, nil, logr)
	}

	go trialSvc.RunSweeper(rootCtx)

	// Handlers.
	authHandler := handler.NewAuthHandler(authSvc)
	invitationHandler := handler.NewInvitationHandler(invitationSvc)
	trialHandler := handler.NewTrialHandler(trialSvc)
	audienceHandler := handler.NewAudienceHandler(audienceSvc)
	messageHandler := handler.NewMessageHandler(messageSvc, reportSvc)
	eventHandler := handler.NewEventHandler(eventSvc)
	studentHandler := handler.NewStudentHandler(studentSvc)
	newsHandler := handler.NewNewsHandler(newsSvc)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(metricsSvc.Handler()))

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	{
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)
		auth.GET("/me", middleware.JWT(authSvc), authHandler.Me)
	}

	// Invitation preview and acceptance happen before the guardian has an
	// account, so they stay outside the JWT group.
	api.GET("/invitations/token/:token", invitationHandler.Get)
	api.POST("/invitations/accept", invitationHandler.Accept)

	protected := api.Group("")
	protected.Use(middleware.JWT(authSvc))
	protected.Use(middleware.TrialGate(trialSvc, metricsSvc, cfg.APIPrefix, logr))

	staffOnly := middleware.RequireStaff()
	adminOnly := middleware.RequireRoles(models.RoleSystemManager, models.RoleSchoolAdmin)

	invitations := protected.Group("/invitations", staffOnly)
	{
		invitations.POST("", invitationHandler.Create)
		invitations.GET("", invitationHandler.List)
		invitations.DELETE("/:id", invitationHandler.Revoke)
		invitations.POST("/:id/resend", invitationHandler.Resend)
	}

	trial := protected.Group("/trial")
	{
		trial.GET("/status", trialHandler.Status)
		trial.GET("/check-access", trialHandler.CheckAccess)
		trial.POST("/start", adminOnly, trialHandler.Start)
		trial.POST("/extend", adminOnly, trialHandler.Extend)
		trial.POST("/convert", adminOnly, trialHandler.Convert)
	}

	audience := protected.Group("/audience", staffOnly)
	{
		audience.POST("/resolve", audienceHandler.Resolve)
		audience.POST("/preview", audienceHandler.Preview)
		audience.GET("/cascade", audienceHandler.Cascade)
	}

	messages := protected.Group("/messages")
	{
		messages.POST("", staffOnly, messageHandler.Create)
		messages.GET("", messageHandler.List)
		messages.GET("/reports/download", messageHandler.DownloadReport)
		messages.GET("/:id", messageHandler.Get)
		messages.POST("/:id/send", staffOnly, messageHandler.Send)
		messages.GET("/:id/recipients", messageHandler.Recipients)
		messages.POST("/:id/recipients/:recipientId/read", messageHandler.MarkRead)
		messages.PUT("/:id/recipients/:recipientId/status", staffOnly, messageHandler.UpdateChannelStatus)
		messages.POST("/:id/report", staffOnly, messageHandler.ExportReport)
	}

	students := protected.Group("/students")
	{
		students.GET("", studentHandler.List)
		students.GET("/:id", studentHandler.Get)
		students.GET("/:id/enrollments", studentHandler.Enrollments)
	}

	news := protected.Group("/news")
	{
		news.POST("", staffOnly, newsHandler.Create)
		news.GET("", newsHandler.List)
		news.POST("/:id/publish", staffOnly, newsHandler.Publish)
		news.DELETE("/:id", staffOnly, newsHandler.Archive)
	}

	events := protected.Group("/events")
	{
		events.POST("", staffOnly, eventHandler.Create)
		events.GET("", eventHandler.List)
		events.POST("/:id/publish", staffOnly, eventHandler.Publish)
		events.POST("/:id/rsvp", eventHandler.RSVP)
		events.DELETE("/:id/rsvp", eventHandler.CancelRSVP)
		events.GET("/:id/rsvps", staffOnly, eventHandler.ListRSVPs)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-rootCtx.Done()
	logr.Sugar().Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}
