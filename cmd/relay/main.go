package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/stream-relay/config"
	"github.com/mossy-p/stream-relay/internal/chat"
	"github.com/mossy-p/stream-relay/internal/geo"
	"github.com/mossy-p/stream-relay/internal/httpapi"
	"github.com/mossy-p/stream-relay/internal/logging"
	"github.com/mossy-p/stream-relay/internal/presence"
	"github.com/mossy-p/stream-relay/internal/registry"
	"github.com/mossy-p/stream-relay/internal/rooms"
	"github.com/mossy-p/stream-relay/internal/signaling"
)

const (
	loginWindow      = 15 * time.Minute
	loginMaxAttempts = 50
	shutdownTimeout  = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := logging.L()
		l.Fatal().Err(err).Msg("failed to load config")
	}

	logging.Init(cfg.Log)
	log := logging.L()

	geoResolver, err := geo.Open(cfg.GeoIP.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open geoip database")
	}
	defer geoResolver.Close()

	mirror, err := presence.Connect(context.Background(), cfg.Redis, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect presence mirror")
	}
	defer mirror.Close()
	if mirror.Enabled() {
		log.Info().Str("addr", cfg.Redis.Addr).Msg("presence mirror connected")
	}

	reg := registry.New(log)
	rms := rooms.New(reg, log)
	chatLog := chat.NewLog(cfg.Chat.Capacity, rms, log)
	scheduler := chat.NewScheduler(chatLog, cfg.Bot, log)
	ws := signaling.NewServer(cfg, reg, rms, chatLog, scheduler, geoResolver, mirror, log)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logging.GinMiddleware(log))
	router.Use(httpapi.OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", httpapi.Health)
	router.POST("/login", httpapi.Login(cfg, httpapi.NewLimiter(loginWindow, loginMaxAttempts), log))
	router.GET("/ws", ws.HandleWS)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Msg("signaling server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	scheduler.Stop()
	ws.Close()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown did not complete cleanly")
	}
}
