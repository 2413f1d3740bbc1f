package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	awspkg "github.com/vynn122/grocery-api/pkg/aws"
)

// FeeSchedule is the fixed set of order surcharges, in riel.
type FeeSchedule struct {
	Shipping int64
	Taxes    int64
	OtherFee int64
}

// Config holds all configuration for the service.
type Config struct {
	Port           string
	Env            string
	ServiceName    string
	RequestTimeout time.Duration

	MongoURI string
	MongoDB  string
	RedisURL string

	JWTSecret           string
	TrustGatewayHeaders bool
	CORSAllowedOrigins  []string

	BakongBaseURL   string
	BakongToken     string
	BakongAccountID string
	BakongTimeout   time.Duration
	MerchantName    string
	MerchantCity    string
	PaymentCurrency string
	KHRExchangeRate int64
	PaymentTTL      time.Duration
	Fees            FeeSchedule

	// EventBus is "sns", "kafka" or "none".
	EventBus     string
	SNSTopicARN  string
	KafkaBrokers []string
	KafkaTopic   string

	ConfirmationQueueURL  string
	ConfirmationQueueName string

	SweepInterval time.Duration
	StaleOrderAge time.Duration

	ConfirmRatePerMinute int
	ConfirmRateBurst     int

	CloudWatchEnabled   bool
	CloudWatchNamespace string
	CloudWatchLogGroup  string
}

// Load reads configuration from .env (when present) and the environment,
// then applies the Secrets Manager override when AWS_USE_SECRETS=true.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := fromEnv()

	if os.Getenv("AWS_USE_SECRETS") == "true" {
		if err := cfg.applySecrets(context.Background()); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromEnv() *Config {
	return &Config{
		Port:           getEnv("PORT", "8080"),
		Env:            getEnv("APP_ENV", "development"),
		ServiceName:    getEnv("SERVICE_NAME", "grocery-api"),
		RequestTimeout: getDuration("REQUEST_TIMEOUT", 30*time.Second),

		MongoURI: os.Getenv("MONGO_URI"),
		MongoDB:  getEnv("MONGO_DB", "grocery"),
		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379/0"),

		JWTSecret:           os.Getenv("JWT_SECRET"),
		TrustGatewayHeaders: os.Getenv("TRUST_GATEWAY_HEADERS") == "true",
		CORSAllowedOrigins:  splitList(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000")),

		BakongBaseURL:   getEnv("BAKONG_BASE_URL", "https://api-bakong.nbc.gov.kh/v1"),
		BakongToken:     os.Getenv("BAKONG_TOKEN"),
		BakongAccountID: os.Getenv("BAKONG_ACCOUNT_ID"),
		BakongTimeout:   getDuration("BAKONG_TIMEOUT", 15*time.Second),
		MerchantName:    getEnv("MERCHANT_NAME", "Grocery Store"),
		MerchantCity:    getEnv("MERCHANT_CITY", "Phnom Penh"),
		PaymentCurrency: strings.ToUpper(getEnv("PAYMENT_CURRENCY", "KHR")),
		KHRExchangeRate: getInt64("KHR_EXCHANGE_RATE", 4100),
		PaymentTTL:      getDuration("PAYMENT_TTL", 5*time.Minute),
		Fees: FeeSchedule{
			Shipping: getInt64("FEE_SHIPPING", 0),
			Taxes:    getInt64("FEE_TAXES", 0),
			OtherFee: getInt64("FEE_OTHER", 0),
		},

		EventBus:     strings.ToLower(getEnv("EVENT_BUS", "none")),
		SNSTopicARN:  os.Getenv("ORDER_EVENTS_SNS_TOPIC_ARN"),
		KafkaBrokers: splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:   getEnv("KAFKA_ORDER_EVENTS_TOPIC", "order-events"),

		ConfirmationQueueURL:  os.Getenv("PAYMENT_CONFIRMATION_QUEUE_URL"),
		ConfirmationQueueName: os.Getenv("PAYMENT_CONFIRMATION_QUEUE_NAME"),

		SweepInterval: getDuration("SWEEP_INTERVAL", time.Minute),
		StaleOrderAge: getDuration("STALE_ORDER_AGE", 10*time.Minute),

		ConfirmRatePerMinute: int(getInt64("CONFIRM_RATE_PER_MINUTE", 30)),
		ConfirmRateBurst:     int(getInt64("CONFIRM_RATE_BURST", 10)),

		CloudWatchEnabled:   os.Getenv("CLOUDWATCH_ENABLED") == "true",
		CloudWatchNamespace: getEnv("CLOUDWATCH_NAMESPACE", "GroceryAPI"),
		CloudWatchLogGroup:  getEnv("CLOUDWATCH_LOG_GROUP", "/grocery/services"),
	}
}

// applySecrets overrides Mongo and Bakong credentials from Secrets Manager.
func (c *Config) applySecrets(ctx context.Context) error {
	awsCfg, err := awspkg.LoadAWSConfig(ctx)
	if err != nil {
		return err
	}
	sm := awspkg.NewSecretsClient(awsCfg)

	if m, err := sm.GetSecretMap(ctx, "grocery/MONGO_CREDENTIALS"); err == nil {
		overrideString(&c.MongoURI, m["MONGO_URI"])
		overrideString(&c.MongoDB, m["MONGO_DB"])
	}
	if m, err := sm.GetSecretMap(ctx, "grocery/BAKONG_CREDENTIALS"); err == nil {
		overrideString(&c.BakongToken, m["BAKONG_TOKEN"])
		overrideString(&c.BakongAccountID, m["BAKONG_ACCOUNT_ID"])
	}
	if v, err := sm.GetSecret(ctx, "grocery/JWT_SECRET"); err == nil {
		overrideString(&c.JWTSecret, strings.TrimSpace(v))
	}
	return nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	var missing []string
	if c.MongoURI == "" {
		missing = append(missing, "MONGO_URI")
	}
	if c.BakongToken == "" {
		missing = append(missing, "BAKONG_TOKEN")
	}
	if c.BakongAccountID == "" {
		missing = append(missing, "BAKONG_ACCOUNT_ID")
	}
	if c.JWTSecret == "" && !c.TrustGatewayHeaders {
		missing = append(missing, "JWT_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}

	if c.PaymentCurrency != "KHR" && c.PaymentCurrency != "USD" {
		return fmt.Errorf("PAYMENT_CURRENCY must be KHR or USD, got %q", c.PaymentCurrency)
	}
	if c.KHRExchangeRate <= 0 {
		return fmt.Errorf("KHR_EXCHANGE_RATE must be positive")
	}
	if c.Fees.Shipping < 0 || c.Fees.Taxes < 0 || c.Fees.OtherFee < 0 {
		return fmt.Errorf("fees must not be negative")
	}
	switch c.EventBus {
	case "none":
	case "sns":
		if c.SNSTopicARN == "" {
			return fmt.Errorf("EVENT_BUS=sns requires ORDER_EVENTS_SNS_TOPIC_ARN")
		}
	case "kafka":
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("EVENT_BUS=kafka requires KAFKA_BROKERS")
		}
	default:
		return fmt.Errorf("unknown EVENT_BUS %q", c.EventBus)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return fallback
}

func getInt64(key string, fallback int64) int64 {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func overrideString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
