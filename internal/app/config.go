package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Config holds the complete application configuration, loadable from
// environment variables (KART_ prefix), flags, or YAML config files.
type Config struct {
	Addr         string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL  string `usage:"PostgreSQL connection URL (KART_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	APIKeyPepper string `usage:"HMAC pepper for API key hashing (KART_API_KEY_PEPPER)" flag:"api-key-pepper"`
	JWT          JWTConfig
	Payment      PaymentConfig
	Shipping     ShippingConfig
	RateLimit    RateLimitConfig
	CORS         CORSConfig
	Graceful     GracefulConfig
}

// JWTConfig controls customer bearer tokens.
type JWTConfig struct {
	Secret string        `usage:"HMAC secret for signing bearer tokens"`
	Issuer string        `default:"cricket-kart" usage:"Token issuer claim"`
	TTL    time.Duration `default:"24h" usage:"Token lifetime"`
}

// PaymentConfig holds the payment gateway credentials and checkout tuning.
type PaymentConfig struct {
	BaseURL     string        `default:"https://api.razorpay.com" usage:"Gateway API endpoint"`
	KeyID       string        `usage:"Gateway key id, also returned to clients"`
	KeySecret   string        `usage:"Gateway key secret, used for API auth and callback signatures"`
	Currency    string        `default:"INR" usage:"Order currency"`
	Timeout     time.Duration `default:"10s" usage:"Per-attempt gateway timeout"`
	MaxAttempts uint64        `default:"3" usage:"Intent creation attempts per request"`

	FailOnSignatureMismatch bool `default:"false" usage:"Mark payment failed when a callback signature does not match" flag:"fail-on-signature-mismatch"`
}

// ShippingConfig holds the carrier aggregator credentials.
type ShippingConfig struct {
	Enabled        bool          `default:"false" usage:"Notify the carrier of settled orders"`
	BaseURL        string        `default:"https://apiv2.shiprocket.in" usage:"Carrier API endpoint"`
	Email          string        `usage:"Carrier API user"`
	Password       string        `usage:"Carrier API password"`
	TokenTTL       time.Duration `default:"24h" usage:"Carrier login token lifetime"`
	Timeout        time.Duration `default:"10s" usage:"Carrier request timeout"`
	PickupLocation string        `default:"Primary" usage:"Registered pickup location name"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "KART",
		Files:     []string{"config.yaml", "/etc/kart/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.DatabaseURL == "":
		return errors.New("database URL is required: set KART_DATABASE_URL or DATABASE_URL")
	case c.JWT.Secret == "":
		return errors.New("JWT secret is required")
	case c.Payment.KeyID == "" || c.Payment.KeySecret == "":
		return errors.New("payment gateway credentials are required: set the payment key id and key secret")
	case c.Shipping.Enabled && (c.Shipping.Email == "" || c.Shipping.Password == ""):
		return errors.New("shipping is enabled but carrier credentials are missing")
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's KART_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
