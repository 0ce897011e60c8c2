package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	apirest "github.com/kasuganosora/relationd/server/api/rest"
	"github.com/kasuganosora/relationd/server/api/sse"
	apiws "github.com/kasuganosora/relationd/server/api/ws"
	"github.com/kasuganosora/relationd/server/cache"
	"github.com/kasuganosora/relationd/server/config"
	dbadapter "github.com/kasuganosora/relationd/server/db"
	"github.com/kasuganosora/relationd/server/directory"
	"github.com/kasuganosora/relationd/server/engine"
	"github.com/kasuganosora/relationd/server/hub"
	mw "github.com/kasuganosora/relationd/server/middleware"
	"github.com/kasuganosora/relationd/server/model"
	"github.com/kasuganosora/relationd/server/notify"
	"github.com/kasuganosora/relationd/server/profile"
	"github.com/kasuganosora/relationd/server/scheduler"
	"github.com/kasuganosora/relationd/server/store"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func main() {
	cfgPath := "config/config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// ---- Logger ----
	var logger *zap.Logger
	var logErr error
	if cfg.Server.Debug {
		logger, logErr = zap.NewDevelopment()
	} else {
		logger, logErr = zap.NewProduction()
	}
	if logErr != nil {
		log.Fatalf("logger: %v", logErr)
	}
	defer logger.Sync()

	// ---- Database ----
	db, err := dbadapter.Open(cfg.Database)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	if err := model.AutoMigrate(db); err != nil {
		log.Fatalf("db migrate: %v", err)
	}
	logger.Info("DB initialized")

	// ---- Cache / PubSub ----
	cacheConfig := cache.CacheConfig{
		RedisAddr:       cfg.Cache.RedisAddr,
		RedisPassword:   cfg.Cache.RedisPassword,
		RedisDB:         cfg.Cache.RedisDB,
		LocalGCInterval: cfg.Cache.LocalGCInterval,
		LocalPubSubBuf:  cfg.Cache.LocalPubSubBuf,
	}
	c, err := cache.NewCache(cacheConfig)
	if err != nil {
		log.Fatalf("cache: %v", err)
	}
	pubsub, err := cache.NewPubSub(cacheConfig)
	if err != nil {
		log.Fatalf("pubsub: %v", err)
	}
	logger.Info("Cache initialized")

	// ---- Relationship stack ----
	relStore := store.New(db)
	dir := directory.NewGormDirectory(db)
	notifier := notify.New(db, logger)
	defer notifier.Stop(context.Background())

	profiles := profile.New(relStore, dir, cfg.Relationship.ProfileTTL, logger)
	eng := engine.New(relStore, dir, pubsub, notifier, profiles, engine.Options{
		TxRetries:   cfg.Relationship.TxRetries,
		PageSizeMax: cfg.Relationship.PageSizeMax,
	}, logger)

	relHub := hub.New(relStore, pubsub, logger)
	defer relHub.Close()

	// ---- Scheduler ----
	sched := scheduler.New(logger)
	defer sched.Stop()

	if cfg.Relationship.DeclinedRetention > 0 {
		sched.AddTicker("declined_prune", time.Hour, func() {
			cutoff := time.Now().Add(-cfg.Relationship.DeclinedRetention)
			n, err := relStore.DeleteStaleDeclined(context.Background(), cutoff)
			if err != nil {
				logger.Error("declined prune failed", zap.Error(err))
				return
			}
			if n > 0 {
				logger.Info("pruned declined relationships", zap.Int64("count", n))
			}
		})
	}

	// ---- Gin HTTP Server ----
	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(mw.TraceID(), mw.Logger(logger), mw.Recovery(logger))
	r.Use(mw.RateLimit(rate.Limit(cfg.Security.RateLimitRPS), cfg.Security.RateLimitBurst))
	if len(cfg.Security.IPWhitelist) > 0 {
		r.Use(mw.IPWhitelist(cfg.Security.IPWhitelist))
	}

	// Health check
	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(200, gin.H{"status": "ok"})
	})

	// ---- REST API routes ----
	authH := apirest.NewAuthHandler(db, c, cfg.Security)
	relH := apirest.NewRelationshipHandler(eng)

	api := r.Group("/api")
	{
		authG := api.Group("/auth")
		authG.POST("/login", authH.Login)
		authG.POST("/logout", mw.Auth(cfg.Security, c), authH.Logout)
		authG.POST("/refresh", mw.Auth(cfg.Security, c), authH.Refresh)
		authG.PUT("/profile", mw.Auth(cfg.Security, c), authH.UpdateProfile)

		relG := api.Group("")
		relG.Use(mw.Auth(cfg.Security, c))
		relH.Register(relG)
	}

	// ---- WebSocket ----
	wsH := apiws.NewHandler(relHub, c, cfg.Security, logger)
	r.GET("/ws", wsH.ServeWS)

	// ---- SSE ----
	sseH := sse.NewHandler(relHub, c, cfg.Security, logger)
	r.GET("/sse", sseH.ServeSSE)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	logger.Info("Server listening", zap.String("addr", addr))
	if err := r.Run(addr); err != nil {
		log.Fatalf("server: %v", err)
	}
}
