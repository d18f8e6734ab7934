package main

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/noah-isme/outpass-api/internal/handler"
	"github.com/noah-isme/outpass-api/internal/middleware"
	"github.com/noah-isme/outpass-api/internal/models"
	"github.com/noah-isme/outpass-api/internal/repository"
	"github.com/noah-isme/outpass-api/internal/service"
	"github.com/noah-isme/outpass-api/pkg/cache"
	"github.com/noah-isme/outpass-api/pkg/config"
	"github.com/noah-isme/outpass-api/pkg/database"
	"github.com/noah-isme/outpass-api/pkg/logger"
	"github.com/noah-isme/outpass-api/pkg/jobs"
	corsmiddleware "github.com/noah-isme/outpass-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/outpass-api/pkg/middleware/requestid"
	"github.com/noah-isme/outpass-api/pkg/qrimage"
	"github.com/noah-isme/outpass-api/pkg/qrtoken"
)

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

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		// The QR image cache degrades to render-per-request without Redis.
		logr.Sugar().Warnw("redis unavailable, qr image cache disabled", "error", err)
		redisClient = nil
	}

	validate := validator.New()
	codec := qrtoken.NewCodec(cfg.QR.SigningSecret)

	userRepo := repository.NewUserRepository(db)
	outpassRepo := repository.NewOutpassRepository(db)
	qrCache := repository.NewQRCacheRepository(redisClient, logr)

	metricsSvc := service.NewMetricsService()
	authSvc := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             cfg.JWT.Issuer,
	})
	lifecycleSvc := service.NewOutpassService(outpassRepo, codec, metricsSvc, validate, logr, service.LifecycleConfig{
		SubmitGrace: cfg.Gate.SubmitGrace,
	})
	gateSvc := service.NewGateService(outpassRepo, codec, metricsSvc, logr, service.GateConfig{
		ReturningSoonWindow: cfg.Gate.ReturningSoonWindow,
		VerifyRetries:       cfg.Gate.VerifyRetries,
	})
	projectionSvc := service.NewProjectionService(outpassRepo, logr, service.ProjectionConfig{
		MissedExitGrace:     cfg.Gate.MissedExitGrace,
		ReturningSoonWindow: cfg.Gate.ReturningSoonWindow,
	})

	// Pre-render pass images off the request path so the first dashboard
	// fetch after approval hits the cache.
	warmQueue := jobs.NewQueue("pass-image-warm", func(ctx context.Context, job jobs.Job) error {
		token, ok := job.Payload.(string)
		if !ok {
			return nil
		}
		img, err := qrimage.Render(token)
		if err != nil {
			return err
		}
		return qrCache.Set(ctx, token, img, cfg.QR.ImageCacheTTL)
	}, jobs.QueueConfig{Workers: 2, Logger: logr})
	warmQueue.Start(context.Background())
	defer warmQueue.Stop()

	lifecycleSvc.SetPassWarmer(func(token string) {
		job := jobs.Job{ID: uuid.NewString(), Type: "pass-image-warm", Payload: token}
		if err := warmQueue.Enqueue(job); err != nil {
			logr.Sugar().Warnw("failed to enqueue pass image warm", "error", err)
		}
	})

	authHandler := handler.NewAuthHandler(authSvc)
	outpassHandler := handler.NewOutpassHandler(lifecycleSvc, projectionSvc, qrCache, logr, cfg.QR.ImageCacheTTL)
	gateHandler := handler.NewGateHandler(gateSvc)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

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
		if err := db.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(metricsSvc.Handler()))

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	{
		auth.POST("/register", authHandler.Register)
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)
		auth.POST("/logout", middleware.JWT(authSvc), authHandler.Logout)
		auth.POST("/logout-all", middleware.JWT(authSvc), authHandler.LogoutAll)
		auth.GET("/me", middleware.JWT(authSvc), authHandler.Me)
	}

	outpasses := api.Group("/outpasses", middleware.JWT(authSvc))
	{
		outpasses.POST("", middleware.RequireRoles(models.RoleStudent), outpassHandler.Submit)
		outpasses.GET("/mine", middleware.RequireRoles(models.RoleStudent), outpassHandler.Mine)
		outpasses.GET("/mine/active", middleware.RequireRoles(models.RoleStudent), outpassHandler.MineActive)
		outpasses.GET("/mine/qr", middleware.RequireRoles(models.RoleStudent), outpassHandler.CurrentPassImage)

		outpasses.GET("", middleware.RequireRoles(models.RoleWarden), outpassHandler.List)
		outpasses.GET("/pending", middleware.RequireRoles(models.RoleWarden), outpassHandler.Pending)
		outpasses.PATCH("/:id/decision", middleware.RequireRoles(models.RoleWarden), outpassHandler.Decide)
		outpasses.GET("/active", middleware.RequireRoles(models.RoleWarden, models.RoleSecurity), outpassHandler.Active)
		outpasses.GET("/out", middleware.RequireRoles(models.RoleWarden, models.RoleSecurity), outpassHandler.CurrentlyOut)
		outpasses.GET("/analytics", middleware.RequireRoles(models.RoleWarden), outpassHandler.Analytics)
		if cfg.Exports.Enabled {
			outpasses.GET("/export", middleware.RequireRoles(models.RoleWarden), outpassHandler.Export)
		}
	}

	gate := api.Group("/gate", middleware.JWT(authSvc))
	{
		gate.POST("/verify", middleware.RequireRoles(models.RoleSecurity), gateHandler.Verify)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
	if err := r.Run(addr); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}
