package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/vynn122/grocery-api/common/auth"
	apperrors "github.com/vynn122/grocery-api/common/errors"
	"github.com/vynn122/grocery-api/common/logger"
	"github.com/vynn122/grocery-api/common/middleware"
	"github.com/vynn122/grocery-api/config"
	"github.com/vynn122/grocery-api/controllers"
	"github.com/vynn122/grocery-api/database"
	"github.com/vynn122/grocery-api/kafka"
	awspkg "github.com/vynn122/grocery-api/pkg/aws"
	"github.com/vynn122/grocery-api/providers"
	"github.com/vynn122/grocery-api/repository"
	"github.com/vynn122/grocery-api/routes"
	"github.com/vynn122/grocery-api/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load configuration: " + err.Error())
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	awsCfg, err := awspkg.LoadAWSConfig(ctx)
	if err != nil {
		panic("failed to load AWS config: " + err.Error())
	}

	// --- 1. Logging & metrics ---

	var cwWriter io.Writer
	if cfg.CloudWatchEnabled {
		cw, err := awspkg.NewCloudWatchLogsClient(ctx, awsCfg, cfg.CloudWatchLogGroup, cfg.ServiceName)
		if err != nil {
			panic("failed to init CloudWatch logs: " + err.Error())
		}
		cwWriter = cw
	}
	log, err := logger.InitializeWithWriter(cfg.Env, cwWriter)
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer log.Sync()
	zap.ReplaceGlobals(log)

	metrics := awspkg.NewMetricsClient(awsCfg, cfg.CloudWatchNamespace, cfg.CloudWatchEnabled)

	// --- 2. Storage ---

	mongo, err := database.ConnectMongo(ctx, cfg.MongoURI, cfg.MongoDB, log)
	if err != nil {
		log.Fatal("Failed to connect to MongoDB", zap.Error(err))
	}
	defer mongo.Close()
	if err := mongo.EnsureIndexes(ctx); err != nil {
		log.Fatal("Failed to ensure indexes", zap.Error(err))
	}

	redisClient, err := database.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		log.Warn("Redis unavailable, carts will not be cleared on payment", zap.Error(err))
	}

	orderRepo := repository.NewOrderRepository(mongo.DB)
	paymentRepo := repository.NewPaymentRepository(mongo.DB)
	productRepo := repository.NewProductRepository(mongo.DB)
	promoRepo := repository.NewPromoRepository(mongo.DB)
	var cartRepo repository.CartRepository
	if redisClient != nil {
		defer redisClient.Close()
		cartRepo = repository.NewCartRepository(redisClient)
	}

	// --- 3. Gateway & events ---

	gateway := providers.NewBakongProvider(cfg.BakongBaseURL, cfg.BakongToken, cfg.BakongTimeout)

	var publisher services.EventPublisher
	switch cfg.EventBus {
	case "sns":
		publisher = awspkg.NewTopicPublisher(awspkg.NewSNSClient(awsCfg), cfg.SNSTopicARN)
	case "kafka":
		producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic, log)
		defer producer.Close()
		publisher = producer
	}
	log.Info("Event bus configured", zap.String("event_bus", cfg.EventBus))

	// --- 4. Services ---

	orderService := services.NewOrderService(orderRepo, productRepo, promoRepo, paymentRepo, cfg.Fees, publisher, metrics, log)
	paymentService := services.NewPaymentService(orderRepo, paymentRepo, gateway, services.MerchantConfig{
		AccountID:       cfg.BakongAccountID,
		Name:            cfg.MerchantName,
		City:            cfg.MerchantCity,
		Currency:        cfg.PaymentCurrency,
		KHRExchangeRate: cfg.KHRExchangeRate,
		TTL:             cfg.PaymentTTL,
	}, publisher, metrics, log)
	reconciler := services.NewReconciler(orderRepo, paymentRepo, productRepo, promoRepo, cartRepo, gateway, publisher, metrics, log)

	sweeper := services.NewExpirySweeper(orderRepo, paymentRepo, reconciler, cfg.SweepInterval, cfg.StaleOrderAge, log)
	go sweeper.Run(ctx)

	queueURL := cfg.ConfirmationQueueURL
	if queueURL == "" && cfg.ConfirmationQueueName != "" {
		queueURL, err = awspkg.GetQueueURL(ctx, awsCfg, cfg.ConfirmationQueueName)
		if err != nil {
			log.Fatal("Failed to resolve confirmation queue", zap.Error(err))
		}
	}
	if queueURL != "" {
		consumer := services.NewConfirmationConsumer(reconciler, metrics, log)
		go func() {
			if err := consumer.Start(ctx, awspkg.NewSQSConsumer(awsCfg, queueURL, log)); err != nil && ctx.Err() == nil {
				log.Error("Confirmation consumer stopped", zap.Error(err))
			}
		}()
	}

	confirmLimiter := middleware.NewRateLimiter(
		rate.Every(time.Minute/time.Duration(max(cfg.ConfirmRatePerMinute, 1))),
		cfg.ConfirmRateBurst,
		10*time.Minute,
	)
	go confirmLimiter.Run(ctx)

	// --- 5. HTTP Server & Middleware ---

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	if err := controllers.RegisterValidators(); err != nil {
		log.Fatal("Failed to register validators", zap.Error(err))
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSAllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"},
		ExposeHeaders:    []string{"Content-Length", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	r.Use(middleware.RequestID())
	r.Use(middleware.RequestLogger(log))
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	r.Use(middleware.MetricsMiddleware(metrics, cfg.ServiceName))
	r.Use(apperrors.ErrorMiddleware())

	routes.RegisterRoutes(r, routes.Dependencies{
		Orders:              controllers.NewOrderController(orderService),
		Payments:            controllers.NewPaymentController(paymentService, reconciler),
		TokenParser:         auth.NewTokenParser(cfg.JWTSecret),
		TrustGatewayHeaders: cfg.TrustGatewayHeaders,
		ConfirmLimiter:      confirmLimiter,
	})

	// --- 6. Graceful Shutdown ---

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		log.Info("Grocery API starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	log.Info("Server exited")
}
