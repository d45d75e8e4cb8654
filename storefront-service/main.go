package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mineshop/storefront-service/cache"
	"mineshop/storefront-service/database"
	"mineshop/storefront-service/handlers"
	"mineshop/storefront-service/kafka"
	"mineshop/storefront-service/middleware"
	"mineshop/storefront-service/provider"
	"mineshop/storefront-service/realtime"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	grpcLib "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	// A missing .env is fine, the environment wins either way
	_ = godotenv.Load()

	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	handlers.RegisterValidators()

	// Initialize database
	db, err := database.InitDB(logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	// Initialize Redis
	rdb, err := cache.InitRedis(logger)
	if err != nil {
		logger.Fatal("Failed to initialize Redis", zap.Error(err))
	}
	defer rdb.Close()

	// Initialize OpenTelemetry
	shutdown, err := middleware.InitTracing("storefront-service")
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	defer shutdown()

	pixProvider, sandbox := initProvider(logger)

	hub := realtime.NewHub(logger)

	// Payment events reach the hub through Kafka when a broker is configured,
	// so every replica pushes to its own sockets.
	ctx, cancelConsumer := context.WithCancel(context.Background())
	defer cancelConsumer()

	var publisher handlers.EventPublisher
	if os.Getenv("KAFKA_BROKER") != "" {
		producer, err := kafka.InitProducer(logger)
		if err != nil {
			logger.Fatal("Failed to initialize Kafka producer", zap.Error(err))
		}
		defer producer.Close()
		publisher = kafka.NewPublisher(producer, logger)

		consumer := kafka.InitConsumer(logger)
		defer consumer.Close()

		go func() {
			if err := kafka.StartConsumer(ctx, consumer, hub, logger); err != nil {
				logger.Error("Kafka consumer error", zap.Error(err))
			}
		}()
	} else {
		logger.Info("KAFKA_BROKER not set, delivering payment events in process")
		publisher = handlers.NewLocalPublisher(hub, logger)
	}

	// Setup REST API with Gin
	router := gin.New()
	router.Use(gin.Recovery())
	// OpenTelemetry middleware must be first to extract trace context
	router.Use(otelgin.Middleware("storefront-service"))
	router.Use(middleware.LoggerMiddleware(logger))
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.OptionalAuth([]byte(os.Getenv("JWT_SECRET")), logger))

	// Health check endpoint
	router.GET("/health", handlers.HealthCheck)

	// Metrics endpoint
	router.GET("/metrics", middleware.PrometheusHandler())

	// Catalog endpoints
	productHandler := handlers.NewProductHandler(db, rdb, logger)
	router.GET("/products", productHandler.GetProducts)
	router.GET("/products/:id", productHandler.GetProduct)

	// Order endpoints
	orderHandler := handlers.NewOrderHandler(db, publisher, logger)
	router.POST("/orders", orderHandler.CreateOrder)
	router.GET("/orders/:id", orderHandler.GetOrder)
	router.POST("/coupons/usage", orderHandler.RegisterCouponUsage)

	// Payment endpoints
	paymentHandler := handlers.NewPaymentHandler(db, rdb, pixProvider, publisher, logger, handlers.PaymentConfig{
		PixTTL:       pixTTL(logger),
		WebhookToken: os.Getenv("WEBHOOK_TOKEN"),
	})
	router.POST("/payment/pix", paymentHandler.GeneratePix)
	router.POST("/payment/check-status", paymentHandler.CheckStatus)
	router.POST("/payment/webhook", paymentHandler.Webhook)
	if sandbox {
		router.POST("/payment/sandbox/:id/approve", paymentHandler.SandboxApprove)
	}

	// Real-time payment status
	router.GET("/ws", hub.Handler(paymentHandler.LookupStatus))

	port := getEnv("PORT", "8080")
	restSrv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	go func() {
		if err := restSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start REST server", zap.Error(err))
		}
	}()

	logger.Info("Storefront Service REST API started", zap.String("port", port), zap.String("provider", pixProvider.Name()))

	// Start gRPC health server
	grpcPort := getEnv("GRPC_PORT", "50051")
	grpcListener, err := net.Listen("tcp", ":"+grpcPort)
	if err != nil {
		logger.Fatal("Failed to listen on gRPC port", zap.Error(err))
	}

	grpcServer := grpcLib.NewServer(
		grpcLib.StatsHandler(otelgrpc.NewServerHandler()),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("storefront-service", healthpb.HealthCheckResponse_SERVING)

	go func() {
		if err := grpcServer.Serve(grpcListener); err != nil {
			logger.Fatal("Failed to start gRPC server", zap.Error(err))
		}
	}()

	logger.Info("Storefront Service gRPC health server started", zap.String("port", grpcPort))

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down servers...")
	healthServer.Shutdown()
	cancelConsumer()

	// Shutdown REST server
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := restSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("REST server forced to shutdown", zap.Error(err))
	}

	// Shutdown gRPC server
	grpcServer.GracefulStop()

	logger.Info("Servers exited")
}

// initProvider picks MercadoPago when an access token is configured and the
// local sandbox otherwise. The bool reports whether the sandbox is in use.
func initProvider(logger *zap.Logger) (provider.Provider, bool) {
	if token := os.Getenv("MP_ACCESS_TOKEN"); token != "" {
		mp, err := provider.NewMercadoPago(token, os.Getenv("MP_NOTIFICATION_URL"), logger)
		if err != nil {
			logger.Fatal("Failed to initialize MercadoPago", zap.Error(err))
		}
		return mp, false
	}

	logger.Warn("MP_ACCESS_TOKEN not set, using the sandbox PIX provider")
	return provider.NewSandbox(
		getEnv("PIX_KEY", "pix@mineshop.local"),
		getEnv("MERCHANT_NAME", "Mineshop"),
		getEnv("MERCHANT_CITY", "Sao Paulo"),
		logger,
	), true
}

func pixTTL(logger *zap.Logger) time.Duration {
	raw := getEnv("PIX_TTL", "30m")
	ttl, err := time.ParseDuration(raw)
	if err != nil || ttl <= 0 {
		logger.Warn("Invalid PIX_TTL, using 30m", zap.String("value", raw))
		return 30 * time.Minute
	}
	return ttl
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
