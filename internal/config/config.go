package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config application configuration structure
type Config struct {
	Server   ServerConfig           `yaml:"server"`
	Database DatabaseConfig         `yaml:"database"`
	NATS     NATSConfig             `yaml:"nats"`
	Redis    RedisConfig            `yaml:"redis"`
	Logging  LoggingConfig          `yaml:"logging"`
	Auth     AuthConfig             `yaml:"auth"`
	Admin    AdminConfig            `yaml:"admin"` // Admin API access control configuration
	CORS     CORSConfig             `yaml:"cors"`
	Engine   EngineConfig           `yaml:"engine"`
	Chains   map[string]ChainConfig `yaml:"chains"`
}

// ServerConfig server configuration
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig Database configuration
type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"maxOpenConns"`
	MaxIdleConns int    `yaml:"maxIdleConns"`
}

// NATSConfig NATS message server configuration
type NATSConfig struct {
	URL           string `yaml:"url"`
	Timeout       int    `yaml:"timeout"`        // seconds
	ReconnectWait int    `yaml:"reconnect_wait"` // seconds
	MaxReconnects int    `yaml:"max_reconnects"`

	// JetStream stream holding ledger hand-offs
	LedgerStream        string `yaml:"ledger_stream"`
	LedgerSubjectPrefix string `yaml:"ledger_subject_prefix"`
	DedupWindow         int    `yaml:"dedup_window"` // minutes

	// core NATS subjects published by delegated chain integrations
	DelegatedSubjectPrefix string `yaml:"delegated_subject_prefix"`
}

// RedisConfig lease table backend; empty Addr keeps leases in memory
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
	Timeout   int    `yaml:"timeout"` // seconds
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
}

// AuthConfig session JWT verification
type AuthConfig struct {
	JWTSecret string `yaml:"jwtSecret"`
	Issuer    string `yaml:"issuer"`
}

// AdminConfig Admin API access control configuration
type AdminConfig struct {
	AllowedIPs []string `yaml:"allowedIPs"` // List of allowed IP addresses or CIDR ranges
	TokenHash  string   `yaml:"tokenHash"`  // bcrypt hash of the admin token
	TOTPSecret string   `yaml:"totpSecret"` // base32, empty disables the second factor
}

// CORSConfig CORS configuration
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowedOrigins"`
	AllowCredentials bool     `yaml:"allowCredentials"`
	MaxAge           int      `yaml:"maxAge"`
}

// EngineConfig timing and threshold knobs of the deposit engine
type EngineConfig struct {
	NativePollInterval   time.Duration `yaml:"nativePollInterval"`
	NativeBackoffCap     time.Duration `yaml:"nativeBackoffCap"`
	NativeMaxErrors      int           `yaml:"nativeMaxErrors"`
	UTXOPollInterval     time.Duration `yaml:"utxoPollInterval"`
	UTXOBackoffCap       time.Duration `yaml:"utxoBackoffCap"`
	UTXOMaxErrors        int           `yaml:"utxoMaxErrors"`
	TokenReconnectDelay  time.Duration `yaml:"tokenReconnectDelay"`
	TokenLogPollInterval time.Duration `yaml:"tokenLogPollInterval"`

	// cool-down after a token deposit before the subscription is torn down
	TokenCooldownNoApproval time.Duration `yaml:"tokenCooldownNoApproval"`
	TokenCooldownDefault    time.Duration `yaml:"tokenCooldownDefault"`

	// deferred stop after the session transport closes
	IdleCloseNoApproval time.Duration `yaml:"idleCloseNoApproval"`
	IdleCloseDefault    time.Duration `yaml:"idleCloseDefault"`

	LeaseTTL time.Duration `yaml:"leaseTTL"`

	ReconcileInterval    time.Duration `yaml:"reconcileInterval"`
	ReconcileBatchSize   int           `yaml:"reconcileBatchSize"`
	ReconcileMaxRetries  int           `yaml:"reconcileMaxRetries"`
	ReconcileResetWindow time.Duration `yaml:"reconcileResetWindow"`

	MetricsInterval time.Duration `yaml:"metricsInterval"`

	HealthCheckTimeout time.Duration `yaml:"healthCheckTimeout"`
	ChainCallTimeout   time.Duration `yaml:"chainCallTimeout"`
}

// TokenConfig token contract on an account chain
type TokenConfig struct {
	Contract string `yaml:"contract"`
	Decimals int32  `yaml:"decimals"`
}

// ChainConfig per chain connection and finality settings
type ChainConfig struct {
	Family                string                 `yaml:"family"` // account | utxo | delegated
	ChainID               int64                  `yaml:"chainId"`
	Network               string                 `yaml:"network"`
	NativeCurrency        string                 `yaml:"nativeCurrency"`
	NativeDecimals        int32                  `yaml:"nativeDecimals"`
	WSEndpoints           []string               `yaml:"wsEndpoints"`
	HTTPEndpoints         []string               `yaml:"httpEndpoints"`
	IndexerURL            string                 `yaml:"indexerUrl"`
	IndexerAPIKey         string                 `yaml:"indexerApiKey"`
	EsploraURL            string                 `yaml:"esploraUrl"`
	RequiredConfirmations int                    `yaml:"requiredConfirmations"`
	RateLimitRPS          float64                `yaml:"rateLimitRps"`
	RateLimitBurst        int                    `yaml:"rateLimitBurst"`
	Tokens                map[string]TokenConfig `yaml:"tokens"`
	Enabled               bool                   `yaml:"enabled"`
}

// IsNative reports whether currency is the chain's native asset
func (c ChainConfig) IsNative(currency string) bool {
	return strings.EqualFold(c.NativeCurrency, currency)
}

// Token looks up a token by currency symbol, case-insensitively
func (c ChainConfig) Token(currency string) (TokenConfig, bool) {
	if t, ok := c.Tokens[currency]; ok {
		return t, true
	}
	for symbol, t := range c.Tokens {
		if strings.EqualFold(symbol, currency) {
			return t, true
		}
	}
	return TokenConfig{}, false
}

var AppConfig *Config

// LoadConfig Load configuration file
func LoadConfig(configPath string) error {
	if configPath == "" {
		configPath = "config.yaml"
		if _, err := os.Stat("config.local.yaml"); err == nil {
			configPath = "config.local.yaml"
			log.Printf("🔧 Using local configuration file: config.local.yaml")
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return err
	}
	fmt.Printf("✅ [%s] Loading configuration from config file: %s\n", time.Now().Format("2006-01-02 15:04:05"), configPath)

	if len(cfg.Admin.AllowedIPs) > 0 {
		fmt.Printf("📋 [Config] Admin IP whitelist loaded: %d IPs/CIDRs configured\n", len(cfg.Admin.AllowedIPs))
	} else {
		fmt.Printf("📋 [Config] Admin IP whitelist: not configured (localhost-only mode)\n")
	}
	for name, chain := range cfg.Chains {
		if chain.Enabled {
			fmt.Printf("📋 [Config] Chain %s enabled: family=%s ws=%d http=%d\n", name, chain.Family, len(chain.WSEndpoints), len(chain.HTTPEndpoints))
		}
	}

	AppConfig = cfg
	return nil
}

// Parse decodes YAML, applies env overrides and defaults, then validates
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	overrideFromEnv(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// overrideFromEnv Override configuration from environment variables
func overrideFromEnv(config *Config) {
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		config.Database.DSN = dsn
	}

	if host := os.Getenv("SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		config.NATS.URL = natsURL
	}
	if natsTimeout := os.Getenv("NATS_TIMEOUT"); natsTimeout != "" {
		if t, err := strconv.Atoi(natsTimeout); err == nil {
			config.NATS.Timeout = t
		}
	}

	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		config.Redis.Addr = redisAddr
	}
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		config.Redis.Password = redisPassword
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		config.Auth.JWTSecret = secret
	}
	if hash := os.Getenv("ADMIN_TOKEN_HASH"); hash != "" {
		config.Admin.TokenHash = hash
	}
	if totpSecret := os.Getenv("ADMIN_TOTP_SECRET"); totpSecret != "" {
		config.Admin.TOTPSecret = totpSecret
	}

	for chainName, chainConfig := range config.Chains {
		prefix := strings.ToUpper(chainName)

		if endpoints := os.Getenv(prefix + "_WS_ENDPOINTS"); endpoints != "" {
			chainConfig.WSEndpoints = splitList(endpoints)
		}
		if endpoints := os.Getenv(prefix + "_HTTP_ENDPOINTS"); endpoints != "" {
			chainConfig.HTTPEndpoints = splitList(endpoints)
		}
		if apiKey := os.Getenv(prefix + "_INDEXER_API_KEY"); apiKey != "" {
			chainConfig.IndexerAPIKey = apiKey
		}
		if esplora := os.Getenv(prefix + "_ESPLORA_URL"); esplora != "" {
			chainConfig.EsploraURL = esplora
		}

		config.Chains[chainName] = chainConfig
	}

	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		config.CORS.AllowedOrigins = splitList(corsOrigins)
	}
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func applyDefaults(config *Config) {
	if config.Server.Port == 0 {
		config.Server.Port = 8080
	}
	if config.NATS.Timeout == 0 {
		config.NATS.Timeout = 10
	}
	if config.NATS.ReconnectWait == 0 {
		config.NATS.ReconnectWait = 5
	}
	if config.NATS.LedgerStream == "" {
		config.NATS.LedgerStream = "DEPOSITS"
	}
	if config.NATS.LedgerSubjectPrefix == "" {
		config.NATS.LedgerSubjectPrefix = "deposits.confirmed"
	}
	if config.NATS.DedupWindow == 0 {
		config.NATS.DedupWindow = 120
	}
	if config.NATS.DelegatedSubjectPrefix == "" {
		config.NATS.DelegatedSubjectPrefix = "deposits.delegated"
	}
	if config.Redis.KeyPrefix == "" {
		config.Redis.KeyPrefix = "custodial:lease"
	}
	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}

	e := &config.Engine
	setDuration(&e.NativePollInterval, 10*time.Second)
	setDuration(&e.NativeBackoffCap, 60*time.Second)
	setInt(&e.NativeMaxErrors, 10)
	setDuration(&e.UTXOPollInterval, 30*time.Second)
	setDuration(&e.UTXOBackoffCap, 5*time.Minute)
	setInt(&e.UTXOMaxErrors, 5)
	setDuration(&e.TokenReconnectDelay, 5*time.Second)
	setDuration(&e.TokenLogPollInterval, 10*time.Second)
	setDuration(&e.TokenCooldownNoApproval, 60*time.Second)
	setDuration(&e.TokenCooldownDefault, 5*time.Minute)
	setDuration(&e.IdleCloseNoApproval, 2*time.Minute)
	setDuration(&e.IdleCloseDefault, 10*time.Minute)
	setDuration(&e.LeaseTTL, time.Hour)
	setDuration(&e.ReconcileInterval, 10*time.Second)
	setInt(&e.ReconcileBatchSize, 5)
	setInt(&e.ReconcileMaxRetries, 5)
	setDuration(&e.ReconcileResetWindow, 30*time.Minute)
	setDuration(&e.MetricsInterval, 30*time.Second)
	setDuration(&e.HealthCheckTimeout, 10*time.Second)
	setDuration(&e.ChainCallTimeout, 15*time.Second)

	for name, chain := range config.Chains {
		if chain.Family == "account" && chain.NativeDecimals == 0 {
			chain.NativeDecimals = 18
		}
		if chain.Family == "utxo" {
			if chain.NativeDecimals == 0 {
				chain.NativeDecimals = 8
			}
			if chain.RequiredConfirmations == 0 {
				chain.RequiredConfirmations = 3
			}
		}
		config.Chains[name] = chain
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

func setInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

// Validate rejects configurations the engine cannot run with
func (c *Config) Validate() error {
	for name, chain := range c.Chains {
		if !chain.Enabled {
			continue
		}
		switch chain.Family {
		case "account":
			if len(chain.WSEndpoints) == 0 && len(chain.HTTPEndpoints) == 0 {
				return fmt.Errorf("chain %s: account chains need wsEndpoints or httpEndpoints", name)
			}
		case "utxo":
			if chain.EsploraURL == "" {
				return fmt.Errorf("chain %s: utxo chains need esploraUrl", name)
			}
		case "delegated":
		default:
			return fmt.Errorf("chain %s: unknown family %q", name, chain.Family)
		}
		for symbol, token := range chain.Tokens {
			if token.Contract == "" {
				return fmt.Errorf("chain %s: token %s has no contract", name, symbol)
			}
		}
	}
	return nil
}

// GetChainConfig returns an enabled chain by name
func GetChainConfig(chainName string) (*ChainConfig, error) {
	if AppConfig == nil {
		return nil, fmt.Errorf("config not loaded")
	}
	return AppConfig.Chain(chainName)
}

// Chain returns an enabled chain by name
func (c *Config) Chain(chainName string) (*ChainConfig, error) {
	chain, exists := c.Chains[chainName]
	if !exists {
		return nil, fmt.Errorf("chain %s not found in config", chainName)
	}
	if !chain.Enabled {
		return nil, fmt.Errorf("chain %s is disabled", chainName)
	}
	return &chain, nil
}
