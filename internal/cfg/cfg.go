// Package cfg provides configuration management for the trade engine.
// It supports loading configuration from environment variables, with an
// optional YAML file selected via CONFIG_FILE taking precedence over the
// built-in defaults but not over explicitly-set environment variables.
//
// The package validates all configuration parameters and applies sensible
// defaults for optional settings, matching the environment table the
// engine is driven by.
package cfg

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"tradeengine/internal/common"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Settings contains all configuration parameters for the trade engine.
type Settings struct {
	// Exchange credentials and endpoints
	APIKey      string
	APISecret   string
	Testnet     bool
	AccountType string
	RecvWindow  string
	BaseURL     string
	WsURL       string

	// Trading
	Category string
	// Quote is the settlement currency (e.g. "USDT") a raw ticker would be
	// composed against. The engine never consumes it directly: signals
	// arrive with a fully-qualified Symbol already attached, and the step
	// that would append Quote to a bare ticker is chat-transport/NLP
	// signal parsing, which stays out of scope. Kept for intake adapters
	// that do compose symbols from parsed signal text upstream of this
	// engine.
	Quote    string
	Leverage int
	RiskPct  float64

	// Admission caps (enforced by the signal intake adapter)
	MaxConcurrentTrades int
	MaxTradesPerDay     int
	MaxLagSec           int

	// Entry rules
	EntryExpirationMin      time.Duration
	EntryTooFarPct          float64
	EntryTriggerBufferPct   float64
	EntryLimitPriceOffset   float64
	EntryExpirationPricePct float64

	// TP/SL
	MoveSLToBEOnTP1 bool
	InitialSLPct    float64
	TPSplits        []float64
	FallbackTPPct   []float64

	// Trailing stop
	TrailAfterTPIndex int
	TrailDistancePct  float64
	TrailActivateOnTP bool

	// DCA
	DCAQtyMults []float64

	// Supervisor timer
	PollSeconds   time.Duration
	PollJitterMax time.Duration

	// Misc
	DryRun      bool
	StateFile   string
	LogLevel    string
	MetricsPort int

	// SignalFeedPath names a newline-delimited JSON file of already-parsed
	// Signal records to read at startup; empty means read from stdin.
	// Chat-transport ingestion and NLP parsing of signal text remain out
	// of scope — this feeds signalintake.FilteringSource with records a
	// separate process has already parsed.
	SignalFeedPath string
	// JournalDir is the directory the idempotency journal's BoltDB file
	// is created under.
	JournalDir string
}

// fileConfig mirrors a subset of Settings for optional YAML overrides.
// Only operational fields that plausibly benefit from file-based
// management (as opposed to secrets, which stay env-only) are exposed.
type fileConfig struct {
	Trading struct {
		Category string  `yaml:"category"`
		Quote    string  `yaml:"quote"`
		Leverage int     `yaml:"leverage"`
		RiskPct  float64 `yaml:"riskPct"`
	} `yaml:"trading"`

	Admission struct {
		MaxConcurrentTrades int `yaml:"maxConcurrentTrades"`
		MaxTradesPerDay     int `yaml:"maxTradesPerDay"`
		MaxLagSec           int `yaml:"maxLagSec"`
	} `yaml:"admission"`

	Entry struct {
		ExpirationMin      int     `yaml:"expirationMin"`
		TooFarPct          float64 `yaml:"tooFarPct"`
		TriggerBufferPct   float64 `yaml:"triggerBufferPct"`
		LimitPriceOffset   float64 `yaml:"limitPriceOffsetPct"`
		ExpirationPricePct float64 `yaml:"expirationPricePct"`
	} `yaml:"entry"`

	TPSL struct {
		MoveSLToBEOnTP1 bool    `yaml:"moveSLToBEOnTP1"`
		InitialSLPct    float64 `yaml:"initialSLPct"`
		TPSplits        string  `yaml:"tpSplits"`
		FallbackTPPct   string  `yaml:"fallbackTPPct"`
	} `yaml:"tpsl"`

	Trail struct {
		AfterTPIndex  int     `yaml:"afterTPIndex"`
		DistancePct   float64 `yaml:"distancePct"`
		ActivateOnTP  bool    `yaml:"activateOnTP"`
	} `yaml:"trail"`

	DCA struct {
		QtyMults string `yaml:"qtyMults"`
	} `yaml:"dca"`

	Timer struct {
		PollSeconds   int `yaml:"pollSeconds"`
		PollJitterMax int `yaml:"pollJitterMax"`
	} `yaml:"timer"`

	System struct {
		DryRun      bool   `yaml:"dryRun"`
		StateFile   string `yaml:"stateFile"`
		LogLevel    string `yaml:"logLevel"`
		MetricsPort int    `yaml:"metricsPort"`
	} `yaml:"system"`
}

// Load loads configuration from environment variables, honoring an
// optional CONFIG_FILE for operational (non-secret) overrides.
func Load() (Settings, error) {
	_ = godotenv.Load()

	var fc fileConfig
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return Settings{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	apiKey, err := getEnvRequired(common.EnvBybitAPIKey)
	if err != nil {
		return Settings{}, err
	}
	apiSecret, err := getEnvRequired(common.EnvBybitAPISecret)
	if err != nil {
		return Settings{}, err
	}

	testnet := getBoolOrDefault(common.EnvBybitTestnet, false)

	s := Settings{
		APIKey:      apiKey,
		APISecret:   apiSecret,
		Testnet:     testnet,
		AccountType: getEnvOrDefault(common.EnvAccountType, common.DefaultAccountType),
		RecvWindow:  getEnvOrDefault(common.EnvRecvWindow, common.DefaultRecvWindow),
		BaseURL:     baseURLFor(testnet),
		WsURL:       wsURLFor(testnet),

		Category: getStringFromEnvOrFile(common.EnvCategory, fc.Trading.Category, common.DefaultCategory),
		Quote:    strings.ToUpper(getStringFromEnvOrFile(common.EnvQuote, fc.Trading.Quote, common.DefaultQuote)),
		Leverage: getIntFromEnvOrFile(common.EnvLeverage, fc.Trading.Leverage, common.DefaultLeverage),
		RiskPct:  getFloatFromEnvOrFile(common.EnvRiskPct, fc.Trading.RiskPct, common.DefaultRiskPct),

		MaxConcurrentTrades: getIntFromEnvOrFile(common.EnvMaxConcurrentTrades, fc.Admission.MaxConcurrentTrades, common.DefaultMaxConcurrentTrades),
		MaxTradesPerDay:     getIntFromEnvOrFile(common.EnvMaxTradesPerDay, fc.Admission.MaxTradesPerDay, common.DefaultMaxTradesPerDay),
		MaxLagSec:           getIntFromEnvOrFile(common.EnvMaxLagSec, fc.Admission.MaxLagSec, common.DefaultMaxLagSec),

		EntryExpirationMin:      time.Duration(getIntFromEnvOrFile(common.EnvEntryExpirationMin, fc.Entry.ExpirationMin, common.DefaultEntryExpirationMin)) * time.Minute,
		EntryTooFarPct:          getFloatFromEnvOrFile(common.EnvEntryTooFarPct, fc.Entry.TooFarPct, common.DefaultEntryTooFarPct),
		EntryTriggerBufferPct:   getFloatFromEnvOrFile(common.EnvEntryTriggerBufferPct, fc.Entry.TriggerBufferPct, common.DefaultEntryTriggerBufferPct),
		EntryLimitPriceOffset:   getFloatFromEnvOrFile(common.EnvEntryLimitPriceOffset, fc.Entry.LimitPriceOffset, common.DefaultEntryLimitPriceOffset),
		EntryExpirationPricePct: getFloatFromEnvOrFile(common.EnvEntryExpirationPricePct, fc.Entry.ExpirationPricePct, common.DefaultEntryExpirationPricePct),

		MoveSLToBEOnTP1: getBoolFromEnvOrFile(common.EnvMoveSLToBEOnTP1, fc.TPSL.MoveSLToBEOnTP1, common.DefaultMoveSLToBEOnTP1),
		InitialSLPct:    getFloatFromEnvOrFile(common.EnvInitialSLPct, fc.TPSL.InitialSLPct, common.DefaultInitialSLPct),
		TPSplits:        normalizeToHundred(parseFloatList(getStringFromEnvOrFile(common.EnvTPSplits, fc.TPSL.TPSplits, common.DefaultTPSplits))),
		FallbackTPPct:   parseFloatList(getStringFromEnvOrFile(common.EnvFallbackTPPct, fc.TPSL.FallbackTPPct, common.DefaultFallbackTPPct)),

		TrailAfterTPIndex: getIntFromEnvOrFile(common.EnvTrailAfterTPIndex, fc.Trail.AfterTPIndex, common.DefaultTrailAfterTPIndex),
		TrailDistancePct:  getFloatFromEnvOrFile(common.EnvTrailDistancePct, fc.Trail.DistancePct, common.DefaultTrailDistancePct),
		TrailActivateOnTP: getBoolFromEnvOrFile(common.EnvTrailActivateOnTP, fc.Trail.ActivateOnTP, common.DefaultTrailActivateOnTP),

		DCAQtyMults: parseFloatList(getStringFromEnvOrFile(common.EnvDCAQtyMults, fc.DCA.QtyMults, common.DefaultDCAQtyMults)),

		PollSeconds:   time.Duration(getIntFromEnvOrFile(common.EnvPollSeconds, fc.Timer.PollSeconds, common.DefaultPollSeconds)) * time.Second,
		PollJitterMax: time.Duration(getIntFromEnvOrFile(common.EnvPollJitterMax, fc.Timer.PollJitterMax, common.DefaultPollJitterMax)) * time.Second,

		DryRun:      getBoolFromEnvOrFile(common.EnvDryRun, fc.System.DryRun, common.DefaultDryRun),
		StateFile:   getStringFromEnvOrFile(common.EnvStateFile, fc.System.StateFile, common.DefaultStateFile),
		LogLevel:    strings.ToUpper(getStringFromEnvOrFile(common.EnvLogLevel, fc.System.LogLevel, common.DefaultLogLevel)),
		MetricsPort: getIntFromEnvOrFile(common.EnvMetricsPort, fc.System.MetricsPort, common.DefaultMetricsPort),

		SignalFeedPath: getEnvOrDefault(common.EnvSignalFeedPath, common.DefaultSignalFeedPath),
		JournalDir:     getEnvOrDefault(common.EnvJournalDir, common.DefaultJournalDir),
	}

	if err := validate(&s); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return s, nil
}

func baseURLFor(testnet bool) string {
	if testnet {
		return common.DefaultTestnetBaseURL
	}
	return common.DefaultMainnetBaseURL
}

func wsURLFor(testnet bool) string {
	if testnet {
		return common.DefaultTestnetWsURL
	}
	return common.DefaultMainnetWsURL
}

func normalizeToHundred(splits []float64) []float64 {
	if len(splits) == 0 {
		return splits
	}
	sum := 0.0
	for _, v := range splits {
		sum += v
	}
	if sum == 0 || (sum > 99.999 && sum < 100.001) {
		return splits
	}
	out := make([]float64, len(splits))
	for i, v := range splits {
		out[i] = v * 100.0 / sum
	}
	return out
}

func parseFloatList(v string) []float64 {
	var out []float64
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if f, err := strconv.ParseFloat(part, 64); err == nil {
			out = append(out, f)
		}
	}
	return out
}

func getEnvRequired(key string) (string, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return "", fmt.Errorf("required environment variable %s is missing", key)
	}
	return v, nil
}

func getEnvOrDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getBoolOrDefault(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getStringFromEnvOrFile(key, fileValue, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	if fileValue != "" {
		return fileValue
	}
	return def
}

func getIntFromEnvOrFile(key string, fileValue, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	if fileValue != 0 {
		return fileValue
	}
	return def
}

func getFloatFromEnvOrFile(key string, fileValue, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	if fileValue != 0 {
		return fileValue
	}
	return def
}

func getBoolFromEnvOrFile(key string, fileValue, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	if fileValue {
		return true
	}
	return def
}

func validate(s *Settings) error {
	if s.APIKey == "" || s.APISecret == "" {
		return fmt.Errorf(common.ErrMsgAPIKeyRequired)
	}
	if s.BaseURL == "" || s.WsURL == "" {
		return fmt.Errorf("exchange base URL and WS URL must be set")
	}
	if s.Leverage <= 0 {
		return fmt.Errorf("leverage must be positive")
	}
	if s.RiskPct <= 0 || s.RiskPct > 100 {
		return fmt.Errorf("riskPct must be between 0 and 100")
	}
	if s.MaxConcurrentTrades <= 0 {
		return fmt.Errorf("maxConcurrentTrades must be positive")
	}
	if s.MaxTradesPerDay <= 0 {
		return fmt.Errorf("maxTradesPerDay must be positive")
	}
	if s.EntryExpirationMin <= 0 {
		return fmt.Errorf("entryExpirationMin must be positive")
	}
	if len(s.TPSplits) == 0 {
		return fmt.Errorf("tpSplits must not be empty")
	}
	if s.PollSeconds <= 0 {
		return fmt.Errorf("pollSeconds must be positive")
	}
	if s.MetricsPort < common.MinMetricsPort || s.MetricsPort > common.MaxMetricsPort {
		return fmt.Errorf("metricsPort must be between %d and %d", common.MinMetricsPort, common.MaxMetricsPort)
	}
	return nil
}
