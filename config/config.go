package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	ErrMissingJWTSecret    = errors.New("jwt secret is required")
	ErrMissingAlchemyToken = errors.New("alchemy token is required")
	ErrMissingCallbackURL  = errors.New("webhook callback url is required")
	ErrInvalidSetting      = errors.New("invalid setting")
)

const (
	FlagConfig            = "config"
	FlagBind              = "bind"
	FlagLogLevel          = "log-level"
	FlagDebug             = "debug"
	FlagJWTSecret         = "jwt-secret"
	FlagRedisURL          = "redis-url"
	FlagRateLimitStore    = "rate-limit-store"
	FlagLoginAttempts     = "login-attempts"
	FlagLoginWindow       = "login-window"
	FlagLoginBlock        = "login-block"
	FlagAlchemyURL        = "alchemy-url"
	FlagAlchemyToken      = "alchemy-token"
	FlagCallbackURL       = "callback-url"
	FlagNetworks          = "networks"
	FlagContentURL        = "content-url"
	FlagMetadataTTL       = "metadata-ttl"
	FlagInactivityTimeout = "inactivity-timeout"
	FlagWebhookVerify     = "webhook-verify"
	FlagWebhookSecrets    = "webhook-secrets"
	FlagParcelContracts   = "parcel-contracts"
	FlagNameContracts     = "name-contracts"
	FlagCoinSymbols       = "coin-symbols"
	FlagCORSOrigins       = "cors-origins"
	FlagTrustedProxies    = "trusted-proxies"
	FlagWorkers           = "workers"
	FlagTaskTimeout       = "task-timeout"
	FlagHTTPTimeout       = "http-timeout"
	FlagOTLPEndpoint      = "otlp-endpoint"
	FlagOTLPProtocol      = "otlp-protocol"
	FlagOTLPInsecure      = "otlp-insecure"
)

// DefaultCORSOrigins are the browser origins allowed to call the service.
var DefaultCORSOrigins = []string{
	"https://cryptovoxels.com",
	"http://cryptovoxels.com",
	"https://www.cryptovoxels.com",
	"http://www.cryptovoxels.com",
	"http://cryptovoxels.local:9000",
	"http://localhost:9000",
	"https://uat.cryptovoxels.com",
}

const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreNone   = "none"
)

type Settings struct {
	Bind     string
	LogLevel string
	Debug    bool

	JWTSecret string
	RedisURL  string

	RateLimitStore string
	LoginAttempts  int
	LoginWindow    time.Duration
	LoginBlock     time.Duration

	AlchemyURL   string
	AlchemyToken string
	CallbackURL  string
	Networks     []string

	ContentURL  string
	MetadataTTL time.Duration

	InactivityTimeout time.Duration

	WebhookVerify  bool
	WebhookSecrets []string

	ParcelContracts []string
	NameContracts   []string
	CoinSymbols     []string

	CORSOrigins    string
	TrustedProxies []string
	Workers        int
	TaskTimeout    time.Duration
	HTTPTimeout    time.Duration

	OTLPEndpoint string
	OTLPProtocol string
	OTLPInsecure bool
}

// BindFlags registers every setting on flags. Each flag can also be supplied
// through the environment, e.g. --jwt-secret as JWT_SECRET.
func BindFlags(flags *pflag.FlagSet) {
	flags.String(FlagConfig, "", "Optional YAML config file")
	flags.String(FlagBind, ":5000", "Bind address")
	flags.String(FlagLogLevel, "info", "Log level (trace, debug, info, warn, error)")
	flags.Bool(FlagDebug, false, "Run service in debug mode")
	flags.String(FlagJWTSecret, "", "Secret used to verify login tokens")
	flags.String(FlagRedisURL, "", "Redis URL for rate limiting and metadata caching")
	flags.String(FlagRateLimitStore, StoreMemory, "Login rate limit store: memory, redis or none")
	flags.Int(FlagLoginAttempts, 2, "Failed logins allowed per address within the window")
	flags.Duration(FlagLoginWindow, time.Hour, "Failed login counting window")
	flags.Duration(FlagLoginBlock, 15*time.Minute, "Block duration after the failed login budget is spent")
	flags.String(FlagAlchemyURL, "https://dashboard.alchemy.com", "Subscription provider API endpoint")
	flags.String(FlagAlchemyToken, "", "Subscription provider auth token")
	flags.String(FlagCallbackURL, "", "Public URL of the /hook endpoint")
	flags.StringSlice(FlagNetworks, []string{"ETH_MAINNET", "MATIC_MAINNET"}, "Networks to keep subscriptions for")
	flags.String(FlagContentURL, "", "Content service base URL for token metadata")
	flags.Duration(FlagMetadataTTL, 10*time.Minute, "Metadata cache TTL")
	flags.Duration(FlagInactivityTimeout, 5*time.Minute, "Idle session timeout and maintenance interval")
	flags.Bool(FlagWebhookVerify, false, "Reject webhook calls without a valid signature")
	flags.StringSlice(FlagWebhookSecrets, nil, "Additional webhook signing keys")
	flags.StringSlice(FlagParcelContracts, nil, "Parcel contract addresses (default built-in)")
	flags.StringSlice(FlagNameContracts, nil, "Name registry contract addresses (default built-in)")
	flags.StringSlice(FlagCoinSymbols, nil, "Coin symbols reported for external transfers (default built-in)")
	flags.String(FlagCORSOrigins, strings.Join(DefaultCORSOrigins, ","), "Comma separated list of allowed CORS origins")
	flags.StringSlice(FlagTrustedProxies, []string{"127.0.0.1", "::1"}, "Proxies allowed to set X-Forwarded-For")
	flags.Int(FlagWorkers, 16, "Background task workers")
	flags.Duration(FlagTaskTimeout, 30*time.Second, "Background task timeout")
	flags.Duration(FlagHTTPTimeout, 10*time.Second, "Outbound HTTP request timeout")
	flags.String(FlagOTLPEndpoint, "", "OTLP trace collector endpoint, tracing is off when empty")
	flags.String(FlagOTLPProtocol, "grpc", "OTLP protocol: grpc or http")
	flags.Bool(FlagOTLPInsecure, false, "Disable TLS for the OTLP exporter")
}

// LoadDotEnv populates the environment from .env files, if any exist.
func LoadDotEnv(paths ...string) error {
	err := godotenv.Load(paths...)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// NewViper returns a viper instance bound to flags and the environment.
func NewViper(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		return nil, err
	}
	if path := v.GetString(FlagConfig); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return v, nil
}

func Load(v *viper.Viper) (Settings, error) {
	s := Settings{
		Bind:              v.GetString(FlagBind),
		LogLevel:          v.GetString(FlagLogLevel),
		Debug:             v.GetBool(FlagDebug),
		JWTSecret:         v.GetString(FlagJWTSecret),
		RedisURL:          v.GetString(FlagRedisURL),
		RateLimitStore:    strings.ToLower(v.GetString(FlagRateLimitStore)),
		LoginAttempts:     v.GetInt(FlagLoginAttempts),
		LoginWindow:       v.GetDuration(FlagLoginWindow),
		LoginBlock:        v.GetDuration(FlagLoginBlock),
		AlchemyURL:        v.GetString(FlagAlchemyURL),
		AlchemyToken:      v.GetString(FlagAlchemyToken),
		CallbackURL:       v.GetString(FlagCallbackURL),
		Networks:          stringSlice(v, FlagNetworks),
		ContentURL:        v.GetString(FlagContentURL),
		MetadataTTL:       v.GetDuration(FlagMetadataTTL),
		InactivityTimeout: v.GetDuration(FlagInactivityTimeout),
		WebhookVerify:     v.GetBool(FlagWebhookVerify),
		WebhookSecrets:    stringSlice(v, FlagWebhookSecrets),
		ParcelContracts:   stringSlice(v, FlagParcelContracts),
		NameContracts:     stringSlice(v, FlagNameContracts),
		CoinSymbols:       stringSlice(v, FlagCoinSymbols),
		CORSOrigins:       v.GetString(FlagCORSOrigins),
		TrustedProxies:    stringSlice(v, FlagTrustedProxies),
		Workers:           v.GetInt(FlagWorkers),
		TaskTimeout:       v.GetDuration(FlagTaskTimeout),
		HTTPTimeout:       v.GetDuration(FlagHTTPTimeout),
		OTLPEndpoint:      v.GetString(FlagOTLPEndpoint),
		OTLPProtocol:      v.GetString(FlagOTLPProtocol),
		OTLPInsecure:      v.GetBool(FlagOTLPInsecure),
	}
	return s, s.Validate()
}

func (s Settings) Validate() error {
	if s.JWTSecret == "" {
		return ErrMissingJWTSecret
	}
	if s.AlchemyToken == "" {
		return ErrMissingAlchemyToken
	}
	if s.CallbackURL == "" {
		return ErrMissingCallbackURL
	}
	switch s.RateLimitStore {
	case StoreMemory, StoreNone:
	case StoreRedis:
		if s.RedisURL == "" {
			return fmt.Errorf("%w: rate limit store redis needs --%s", ErrInvalidSetting, FlagRedisURL)
		}
	default:
		return fmt.Errorf("%w: unknown rate limit store %q", ErrInvalidSetting, s.RateLimitStore)
	}
	if len(s.Networks) == 0 {
		return fmt.Errorf("%w: no networks configured", ErrInvalidSetting)
	}
	if s.InactivityTimeout <= 0 {
		return fmt.Errorf("%w: inactivity timeout must be positive", ErrInvalidSetting)
	}
	return nil
}

// stringSlice accepts both list values and comma separated strings, which is
// what environment variables provide.
func stringSlice(v *viper.Viper, key string) []string {
	var res []string
	for _, item := range v.GetStringSlice(key) {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				res = append(res, part)
			}
		}
	}
	return res
}
