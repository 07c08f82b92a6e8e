package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"messaging-service/internal/auth"
	"messaging-service/internal/config"
	"messaging-service/internal/db"
	grpcserver "messaging-service/internal/grpc"
	"messaging-service/internal/handlers"
	"messaging-service/internal/middleware"
	"messaging-service/internal/observability"
	"messaging-service/internal/presence"
	"messaging-service/internal/rabbitmq"
	"messaging-service/internal/repositories"
	"messaging-service/internal/telemetry"
	"messaging-service/internal/ws"
)

func main() {
	log.SetPrefix("[MESSAGING] ")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.ServiceName, cfg.Environment, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("failed to init tracing: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Printf("tracing shutdown: %v", err)
		}
	}()

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	defer publisher.Close()
	log.Printf("event publisher mode=%s reason=%q", rabbitmq.PublisherMode(publisher), rabbitmq.PublisherNoopReason(publisher))
	observability.SetPublisher(publisher)
	audit := telemetry.NewAuditEmitter(publisher, cfg.AuditRoutingKey, cfg.ServiceName, cfg.Environment)

	database, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("failed to connect to db: %v", err)
	}
	defer database.Close()

	var store presence.Store = presence.NoopStore{}
	if cfg.RedisAddr != "" {
		instanceID := cfg.InstanceID
		if instanceID == "" {
			instanceID, _ = os.Hostname()
		}
		redisStore, err := presence.NewRedisStore(ctx, cfg.RedisAddr, cfg.PresenceKey, instanceID)
		if err != nil {
			log.Printf("presence mirror disabled: %v", err)
		} else {
			defer redisStore.Close()
			store = redisStore
		}
	}

	validator := auth.NewJWTValidator(cfg.JWTSecret, cfg.JWTIssuer)

	messageRepo := repositories.NewMessageRepo(database)
	userRepo := repositories.NewUserRepo(database)

	hub := ws.NewHub(ws.NewRegistry(), store)
	router := ws.NewRouter(messageRepo, userRepo, hub, ws.NewNotifier())
	typing := ws.NewTypingSignaler(hub, cfg.TypingTimeout)
	hub.OnUserOffline(typing.StopAll)

	messageHandler := handlers.NewMessageHandler(messageRepo, userRepo, router, hub, audit)
	chatWS := ws.NewChatWebSocketHandler(hub, router, typing, validator, cfg.AllowedOrigins, cfg.SendBufferSize)

	engine := gin.New()

	// middlewares
	engine.Use(gin.Logger(), gin.Recovery())
	engine.Use(otelgin.Middleware(cfg.ServiceName))
	engine.Use(observability.HTTPMetricsMiddleware())

	authMiddleware := middleware.AuthMiddleware(validator)

	engine.GET("/conversations", authMiddleware, messageHandler.ListConversations)
	engine.GET("/conversations/unread-count", authMiddleware, messageHandler.UnreadCount)
	engine.GET("/messages/:peer_id", authMiddleware, messageHandler.GetMessages)
	engine.POST("/messages/:peer_id", authMiddleware, messageHandler.PostMessage)
	engine.GET("/presence/:user_id", authMiddleware, messageHandler.Presence)

	engine.GET("/ws", chatWS.Handle)

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": hub.Registry().ConnectionCount()})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	handlers.RegisterDebugRoutes(engine, audit, validator, cfg.DebugRoutes)

	grpcSrv := grpcserver.NewServer()
	go func() {
		if err := grpcSrv.Serve(":" + cfg.GRPCPort); err != nil {
			log.Printf("grpc server error: %v", err)
		}
	}()
	grpcSrv.SetServing(true)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")
	grpcSrv.SetServing(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	grpcSrv.Stop()
}
