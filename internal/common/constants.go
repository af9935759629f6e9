// Package common holds environment-variable keys, defaults, and shared
// error strings referenced by more than one package, mirroring the shape
// of a typical config-plus-constants split.
package common

// Environment variable keys recognized by cfg.Load.
const (
	EnvBybitAPIKey    = "BYBIT_API_KEY"
	EnvBybitAPISecret = "BYBIT_API_SECRET"
	EnvBybitTestnet   = "BYBIT_TESTNET"
	EnvAccountType    = "ACCOUNT_TYPE"
	EnvRecvWindow     = "RECV_WINDOW"

	EnvCategory = "CATEGORY"
	EnvQuote    = "QUOTE"

	EnvLeverage = "LEVERAGE"
	EnvRiskPct  = "RISK_PCT"

	EnvMaxConcurrentTrades = "MAX_CONCURRENT_TRADES"
	EnvMaxTradesPerDay     = "MAX_TRADES_PER_DAY"
	EnvMaxLagSec           = "TC_MAX_LAG_SEC"

	EnvEntryExpirationMin      = "ENTRY_EXPIRATION_MIN"
	EnvEntryTooFarPct          = "ENTRY_TOO_FAR_PCT"
	EnvEntryTriggerBufferPct   = "ENTRY_TRIGGER_BUFFER_PCT"
	EnvEntryLimitPriceOffset   = "ENTRY_LIMIT_PRICE_OFFSET_PCT"
	EnvEntryExpirationPricePct = "ENTRY_EXPIRATION_PRICE_PCT"

	EnvMoveSLToBEOnTP1 = "MOVE_SL_TO_BE_ON_TP1"
	EnvInitialSLPct    = "INITIAL_SL_PCT"

	EnvTPSplits      = "TP_SPLITS"
	EnvFallbackTPPct = "FALLBACK_TP_PCT"

	EnvTrailAfterTPIndex = "TRAIL_AFTER_TP_INDEX"
	EnvTrailDistancePct  = "TRAIL_DISTANCE_PCT"
	EnvTrailActivateOnTP = "TRAIL_ACTIVATE_ON_TP"

	EnvDCAQtyMults = "DCA_QTY_MULTS"

	EnvPollSeconds   = "POLL_SECONDS"
	EnvPollJitterMax = "POLL_JITTER_MAX"

	EnvDryRun    = "DRY_RUN"
	EnvStateFile = "STATE_FILE"
	EnvLogLevel  = "LOG_LEVEL"

	EnvMetricsPort = "METRICS_PORT"

	EnvSignalFeedPath = "SIGNAL_FEED_PATH"
	EnvJournalDir     = "JOURNAL_DIR"
)

// Configuration defaults, matching the original reference implementation's
// documented env var defaults.
const (
	DefaultAccountType = "UNIFIED"
	DefaultRecvWindow  = "5000"
	DefaultCategory    = "linear"
	DefaultQuote       = "USDT"

	DefaultLeverage = 5
	DefaultRiskPct  = 5.0

	DefaultMaxConcurrentTrades = 3
	DefaultMaxTradesPerDay     = 20
	DefaultMaxLagSec           = 300

	DefaultEntryExpirationMin      = 180
	DefaultEntryTooFarPct          = 0.5
	DefaultEntryTriggerBufferPct   = 0.0
	DefaultEntryLimitPriceOffset   = 0.0
	DefaultEntryExpirationPricePct = 0.6

	DefaultMoveSLToBEOnTP1 = true
	DefaultInitialSLPct    = 19.0

	DefaultTPSplits      = "30,30,30,10"
	DefaultFallbackTPPct = "0.85,1.65,4.0"

	DefaultTrailAfterTPIndex = 3
	DefaultTrailDistancePct  = 2.0
	DefaultTrailActivateOnTP = true

	DefaultDCAQtyMults = "1.5,2.25,3.0"

	DefaultPollSeconds   = 15
	DefaultPollJitterMax = 5

	DefaultDryRun    = true
	DefaultStateFile = "state.json"
	DefaultLogLevel  = "INFO"

	DefaultMetricsPort = 9090

	DefaultSignalFeedPath = "" // empty means read signals from stdin
	DefaultJournalDir     = "."

	DefaultMainnetBaseURL = "https://api.bybit.com"
	DefaultTestnetBaseURL = "https://api-testnet.bybit.com"
	DefaultMainnetWsURL   = "wss://stream.bybit.com/v5/private"
	DefaultTestnetWsURL   = "wss://stream-testnet.bybit.com/v5/private"
)

// Common error messages shared across validation paths.
const (
	ErrMsgAPIKeyRequired = "BYBIT_API_KEY and BYBIT_API_SECRET are required"
)

// Validation bounds.
const (
	MinMetricsPort = 1024
	MaxMetricsPort = 65535
)
