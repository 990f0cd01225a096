// Package config resolves bundler runtime configuration from environment
// variables plus a static TOML topology file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	envListen          = "BUNDLER_LISTEN"
	envDBPath          = "BUNDLER_DB"
	envObjectStoreDir  = "BUNDLER_OBJECT_STORE_DIR"
	envWalletKey       = "BUNDLER_WALLET_KEY"
	envTopologyPath    = "BUNDLER_TOPOLOGY"
	envEnv             = "BUNDLER_ENV"
	envFreeTier        = "BUNDLER_FREE_UPLOAD_LIMIT_BYTES"
	envQuoteTTL        = "BUNDLER_QUOTE_TTL"
	envOracleTTL       = "BUNDLER_ORACLE_TTL"
	envOracleDev       = "BUNDLER_ORACLE_DEVIATION"
	envOracleBreaker   = "BUNDLER_ORACLE_BREAKER"
	envFreeTierOn      = "BUNDLER_FREE_TIER_ENABLED"
	envWhitelist       = "BUNDLER_WHITELIST_ADDRESSES"
	envAllowedSigTypes = "BUNDLER_ALLOWLISTED_SIGNATURE_TYPES"
	envBundlerName     = "BUNDLER_NAME"
)

// Config is the fully resolved runtime configuration for cmd/bundlerd.
type Config struct {
	ListenAddress    string
	DatabasePath     string
	ObjectStoreDir   string
	WalletPrivateKey string
	Environment      string
	BundlerName      string

	FreeUploadLimitBytes int64
	FreeTierEnabled      bool
	QuoteTTL             time.Duration
	OracleTTL            time.Duration
	OracleMaxDeviation   float64
	OracleCircuitBreaker float64

	// WhitelistedAddresses bypass payment outright regardless of size, per
	// spec §4.6 step 2. Addresses are lower-cased at load time.
	WhitelistedAddresses []string
	// AllowListedSignatureTypes also bypass payment outright, per spec §4.6
	// step 2 and §13 open-question decision 3 (no zero-cost ledger row).
	AllowListedSignatureTypes []int

	Topology Topology
}

// Topology is the static deployment-shaped configuration loaded from TOML:
// facilitator endpoints, per-queue attempt budgets, and retention windows. These
// rarely change per request and are reloaded only on process restart, the
// way the teacher's root config/config.go loads node topology.
type Topology struct {
	Facilitators  []FacilitatorConfig    `toml:"facilitator"`
	Queues        map[string]QueueConfig `toml:"queue"`
	Retention     RetentionConfig        `toml:"retention"`
	Pricing       PricingConfig          `toml:"pricing"`
	Multipart     MultipartConfig        `toml:"multipart"`
	Payment       PaymentConfig          `toml:"payment"`
	HTTP          HTTPConfig             `toml:"http"`
	Optical       OpticalConfig          `toml:"optical"`
	AllowedTokens []string               `toml:"allowed_tokens"`
}

// PaymentConfig is the active payment network profile: the 402 requirements
// document and the EIP-712 domain are built from these fields.
type PaymentConfig struct {
	Network              string `toml:"network"`
	PayTo                string `toml:"pay_to"`
	Asset                string `toml:"asset"`
	AssetName            string `toml:"asset_name"`
	AssetVersion         string `toml:"asset_version"`
	ChainID              int64  `toml:"chain_id"`
	MaxTimeoutSeconds    int64  `toml:"max_timeout_seconds"`
	DeadlineHeightBuffer int64  `toml:"deadline_height_buffer"`
}

// OpticalConfig points the fire-and-forget optical-post notifier at its
// downstream gateway. A blank URL disables delivery.
type OpticalConfig struct {
	URL    string `toml:"url"`
	Secret string `toml:"secret"`
}

// HTTPConfig bounds the public surface.
type HTTPConfig struct {
	RatePerSecond  float64  `toml:"rate_per_second"`
	Burst          int      `toml:"burst"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

// FacilitatorConfig describes one facilitator endpoint in fallback order.
// The payment network profile itself lives in PaymentConfig.
type FacilitatorConfig struct {
	Network   string `toml:"network"`
	BaseURL   string `toml:"base_url"`
	Dialect   string `toml:"dialect"` // "cdp" or "rest"
	CDPKeyID  string `toml:"cdp_key_id"`
	CDPKeyPEM string `toml:"cdp_key_pem_path"`
}

// QueueConfig overrides the attempt budget (MaxAttempts) for a named queue.
// Concurrency is not read: each consumer package fixes its own worker pool
// size in its Workers method.
type QueueConfig struct {
	Concurrency int    `toml:"concurrency"`
	MaxAttempts int    `toml:"max_attempts"`
	CronPattern string `toml:"cron_pattern"`
}

// RetentionConfig controls the janitor's dual-tier cutoffs.
type RetentionConfig struct {
	FilesystemCutoffDays  int `toml:"filesystem_cutoff_days"`
	ObjectStoreCutoffDays int `toml:"object_store_cutoff_days"`
	BatchSize             int `toml:"batch_size"`
	MaxConcurrentDeletes  int `toml:"max_concurrent_deletes"`
	MaxErrorsBeforeAbort  int `toml:"max_errors_before_abort"`
}

// PricingConfig holds the byte-price curve and margin knobs for C1, plus
// the exchange-rate feed topology driving the oracle.
type PricingConfig struct {
	FeePercent         float64 `toml:"fee_percent"`
	BufferPercent      float64 `toml:"buffer_percent"`
	MinimumPaymentUsdc int64   `toml:"minimum_payment_usdc_atomic"`
	DepositUsdc        int64   `toml:"deposit_usdc_atomic"`
	CreditsPerByte     float64 `toml:"credits_per_byte"`

	// RateToken keys the oracle feed the quoter reads.
	RateToken string `toml:"rate_token"`
	// StaticRateUSD seeds the oracle with a fixed credits->USD rate when no
	// live feeds are configured (devnets and tests).
	StaticRateUSD float64 `toml:"static_rate_usd"`
	// RateFeeds are polled endpoints returning {"price": <float>}.
	RateFeeds       []string `toml:"rate_feeds"`
	RatePollSeconds int      `toml:"rate_poll_seconds"`
}

// MultipartConfig holds the fraud/refund/ttl knobs for C7.
type MultipartConfig struct {
	TTLHours        int     `toml:"ttl_hours"`
	MaxPerAddress   int     `toml:"max_per_address"`
	FraudTolerance  float64 `toml:"fraud_tolerance"`
	RefundThreshold float64 `toml:"refund_threshold"`
	ChunkSizeBytes  int64   `toml:"chunk_size_bytes"`
}

// LoadFromEnv resolves the dynamic half of the configuration from environment
// variables, following the teacher's getenvDefault/parseDurationDefault/
// parsePercentDefault helper shape.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		ListenAddress:        getenvDefault(envListen, ":8080"),
		DatabasePath:         getenvDefault(envDBPath, "bundler.db"),
		ObjectStoreDir:       getenvDefault(envObjectStoreDir, "./data/objects"),
		WalletPrivateKey:     os.Getenv(envWalletKey),
		Environment:          getenvDefault(envEnv, "development"),
		BundlerName:          getenvDefault(envBundlerName, "x402-bundler"),
		FreeUploadLimitBytes: parseIntDefault(envFreeTier, 524800),
		FreeTierEnabled:      parseBoolDefault(envFreeTierOn, true),
		QuoteTTL:             parseDurationDefault(envQuoteTTL, 5*time.Minute),
		OracleTTL:            parseDurationDefault(envOracleTTL, time.Minute),
		OracleMaxDeviation:   parsePercentDefault(envOracleDev, 0.05),
		OracleCircuitBreaker: parsePercentDefault(envOracleBreaker, 0.20),
		WhitelistedAddresses: parseLowerCSVList(envWhitelist),

		AllowListedSignatureTypes: parseIntCSVList(envAllowedSigTypes),
	}

	if cfg.WalletPrivateKey == "" {
		return nil, fmt.Errorf("%s is required", envWalletKey)
	}

	topologyPath := os.Getenv(envTopologyPath)
	topology, err := loadTopology(topologyPath)
	if err != nil {
		return nil, fmt.Errorf("load topology: %w", err)
	}
	cfg.Topology = topology

	return cfg, nil
}

func loadTopology(path string) (Topology, error) {
	topology := defaultTopology()
	if strings.TrimSpace(path) == "" {
		return topology, nil
	}
	if _, err := os.Stat(path); err != nil {
		return Topology{}, err
	}
	if _, err := toml.DecodeFile(path, &topology); err != nil {
		return Topology{}, err
	}
	return topology, nil
}

func defaultTopology() Topology {
	return Topology{
		Queues: map[string]QueueConfig{
			"new-data-item":    {Concurrency: 5, MaxAttempts: 3},
			"plan-bundle":      {Concurrency: 1, MaxAttempts: 3},
			"prepare-bundle":   {Concurrency: 1, MaxAttempts: 3},
			"post-bundle":      {Concurrency: 1, MaxAttempts: 3},
			"seed-bundle":      {Concurrency: 1, MaxAttempts: 3},
			"verify-bundle":    {Concurrency: 2, MaxAttempts: 3},
			"optical-post":     {Concurrency: 1, MaxAttempts: 3},
			"unbundle-bdi":     {Concurrency: 1, MaxAttempts: 3},
			"finalize-upload":  {Concurrency: 1, MaxAttempts: 3},
			"put-offsets":      {Concurrency: 1, MaxAttempts: 3},
			"cleanup-fs":       {Concurrency: 1, MaxAttempts: 3, CronPattern: "0 2 * * *"},
		},
		Retention: RetentionConfig{
			FilesystemCutoffDays:  7,
			ObjectStoreCutoffDays: 90,
			BatchSize:             500,
			MaxConcurrentDeletes:  8,
			MaxErrorsBeforeAbort:  10,
		},
		Pricing: PricingConfig{
			FeePercent:         0.30,
			BufferPercent:      0.10,
			MinimumPaymentUsdc: 1000,
			DepositUsdc:        10000,
			CreditsPerByte:     1.0,
			RateToken:          "winc-usd",
			StaticRateUSD:      1e-9,
			RatePollSeconds:    60,
		},
		Payment: PaymentConfig{
			Network:              "base-sepolia",
			AssetName:            "USD Coin",
			AssetVersion:         "2",
			ChainID:              84532,
			MaxTimeoutSeconds:    3600,
			DeadlineHeightBuffer: 200,
		},
		HTTP: HTTPConfig{
			RatePerSecond: 50,
			Burst:         100,
		},
		Multipart: MultipartConfig{
			TTLHours:        24,
			MaxPerAddress:   5,
			FraudTolerance:  0.1,
			RefundThreshold: 0.2,
			ChunkSizeBytes:  10 << 20,
		},
		AllowedTokens: []string{"usdc-base", "usdc-base-sepolia", "usdc-ethereum-mainnet", "usdc-polygon-mainnet"},
	}
}

func getenvDefault(key, def string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return def
}

func parseDurationDefault(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func parsePercentDefault(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	if f < 0 {
		f = 0
	}
	return f
}

func parseIntDefault(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return v
}

func parseBoolDefault(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func parseLowerCSVList(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseIntCSVList(key string) []int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	var out []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.Atoi(part)
		if err == nil {
			out = append(out, v)
		}
	}
	return out
}
