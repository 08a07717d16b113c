package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `koanf:"server" json:"server"`

	// Tier determines feature availability
	Tier Tier `koanf:"tier" json:"tier" validate:"oneof=community pro"`

	// Component configurations
	Repository RepositoryConfig `koanf:"repository" json:"repository"`
	Cache      CacheConfig      `koanf:"cache" json:"cache"`
	EventBus   EventBusConfig   `koanf:"event_bus" json:"eventBus"`

	// Detection pipeline
	Detection DetectionConfig `koanf:"detection" json:"detection"`
	Alerts    AlertsConfig    `koanf:"alerts" json:"alerts"`
	Notify    NotifyConfig    `koanf:"notify" json:"notify"`

	// Background processing
	Queue     QueueConfig     `koanf:"queue" json:"queue"`
	Worker    WorkerConfig    `koanf:"worker" json:"worker"`
	Scheduler SchedulerConfig `koanf:"scheduler" json:"scheduler"`

	// Observability
	Logging LoggingConfig `koanf:"logging" json:"logging"`
	Tracing TracingConfig `koanf:"tracing" json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `koanf:"host" json:"host"`
	Port         int    `koanf:"port" json:"port" validate:"min=1,max=65535"`
	ReadTimeout  int    `koanf:"read_timeout" json:"readTimeout"`   // seconds
	WriteTimeout int    `koanf:"write_timeout" json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level" json:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `koanf:"format" json:"format" validate:"oneof=json text"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `koanf:"enabled" json:"enabled"`
	ServiceName string `koanf:"service_name" json:"serviceName"`

	// Endpoint is an OTLP/gRPC collector address. Empty keeps spans in-process.
	Endpoint   string  `koanf:"endpoint" json:"endpoint"`
	SampleRate float64 `koanf:"sample_rate" json:"sampleRate" validate:"min=0,max=1"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DetectionConfig groups the tuning parameters of the analysis pipeline.
type DetectionConfig struct {
	// ReadTimeout bounds each store read made while analyzing.
	ReadTimeout time.Duration `koanf:"read_timeout" json:"readTimeout"`

	Profile  ProfileConfig  `koanf:"profile" json:"profile"`
	Rules    RulesConfig    `koanf:"rules" json:"rules"`
	Scorer   ScorerConfig   `koanf:"scorer" json:"scorer"`
	Decision DecisionConfig `koanf:"decision" json:"decision"`
	Risk     RiskConfig     `koanf:"risk" json:"risk"`
}

// ProfileConfig tunes the behavior profile builder.
type ProfileConfig struct {
	HistoryMonths int `koanf:"history_months" json:"historyMonths"`
	TopN          int `koanf:"top_n" json:"topN"`

	// CacheTTL keeps profile snapshots in the cache. Zero rebuilds on every request.
	CacheTTL time.Duration `koanf:"cache_ttl" json:"cacheTtl"`
}

// BaseConfidence maps rule severities onto starting confidences.
type BaseConfidence struct {
	Critical float64 `koanf:"critical" json:"critical"`
	High     float64 `koanf:"high" json:"high"`
	Medium   float64 `koanf:"medium" json:"medium"`
	Low      float64 `koanf:"low" json:"low"`
}

// For returns the base confidence of a severity.
func (b BaseConfidence) For(s Severity) float64 {
	switch s {
	case SeverityCritical:
		return b.Critical
	case SeverityHigh:
		return b.High
	case SeverityMedium:
		return b.Medium
	default:
		return b.Low
	}
}

// RulesConfig holds rule engine aggregation parameters and built-in rule thresholds.
type RulesConfig struct {
	Base BaseConfidence `koanf:"base" json:"base"`

	// Bonus = min(BonusCap, BonusScale * (observed/threshold - 1))
	BonusScale float64 `koanf:"bonus_scale" json:"bonusScale"`
	BonusCap   float64 `koanf:"bonus_cap" json:"bonusCap"`

	// overall = MaxWeight*max + MeanWeight*mean, fraud when overall > FraudThreshold
	MaxWeight      float64 `koanf:"max_weight" json:"maxWeight"`
	MeanWeight     float64 `koanf:"mean_weight" json:"meanWeight"`
	FraudThreshold float64 `koanf:"fraud_threshold" json:"fraudThreshold"`

	AmountExtremeMultiplier float64 `koanf:"amount_extreme_multiplier" json:"amountExtremeMultiplier"`
	AmountExtremeDeviation  float64 `koanf:"amount_extreme_deviation" json:"amountExtremeDeviation"`
	AmountSpikeMultiplier   float64 `koanf:"amount_spike_multiplier" json:"amountSpikeMultiplier"`
	AmountSpikeDeviation    float64 `koanf:"amount_spike_deviation" json:"amountSpikeDeviation"`

	VelocityBurstCount    int     `koanf:"velocity_burst_count" json:"velocityBurstCount"`
	VelocityRapidCount    int     `koanf:"velocity_rapid_count" json:"velocityRapidCount"`
	VelocityRapidGapHours float64 `koanf:"velocity_rapid_gap_hours" json:"velocityRapidGapHours"`

	NewLocationMultiplier float64 `koanf:"new_location_multiplier" json:"newLocationMultiplier"`
	OffHoursMultiplier    float64 `koanf:"off_hours_multiplier" json:"offHoursMultiplier"`
	NewMerchantMultiplier float64 `koanf:"new_merchant_multiplier" json:"newMerchantMultiplier"`

	CardTestingMaxAmount   float64 `koanf:"card_testing_max_amount" json:"cardTestingMaxAmount"`
	CardTestingMinVelocity int     `koanf:"card_testing_min_velocity" json:"cardTestingMinVelocity"`

	MultiFactorDeviation float64 `koanf:"multi_factor_deviation" json:"multiFactorDeviation"`
	WeekendMultiplier    float64 `koanf:"weekend_multiplier" json:"weekendMultiplier"`

	DormantHours      float64 `koanf:"dormant_hours" json:"dormantHours"`
	DormantMultiplier float64 `koanf:"dormant_multiplier" json:"dormantMultiplier"`

	// Disabled lists rule ids switched off at startup.
	Disabled []string `koanf:"disabled" json:"disabled"`
}

// ScorerConfig holds the statistical scorer indicator thresholds and weights.
type ScorerConfig struct {
	DeviationHigh         float64 `koanf:"deviation_high" json:"deviationHigh"`
	DeviationHighWeight   float64 `koanf:"deviation_high_weight" json:"deviationHighWeight"`
	DeviationMedium       float64 `koanf:"deviation_medium" json:"deviationMedium"`
	DeviationMediumWeight float64 `koanf:"deviation_medium_weight" json:"deviationMediumWeight"`

	OffHoursWeight    float64 `koanf:"off_hours_weight" json:"offHoursWeight"`
	NewMerchantWeight float64 `koanf:"new_merchant_weight" json:"newMerchantWeight"`
	NewLocationWeight float64 `koanf:"new_location_weight" json:"newLocationWeight"`

	VelocityThreshold int     `koanf:"velocity_threshold" json:"velocityThreshold"`
	VelocityWeight    float64 `koanf:"velocity_weight" json:"velocityWeight"`

	WeekendWeight float64 `koanf:"weekend_weight" json:"weekendWeight"`

	// LargeAmountMultiplier defines "large" as amount > multiplier * profile average.
	LargeAmountMultiplier float64 `koanf:"large_amount_multiplier" json:"largeAmountMultiplier"`
}

// DecisionConfig tunes how rule and statistical outputs merge.
type DecisionConfig struct {
	StatisticalThreshold float64 `koanf:"statistical_threshold" json:"statisticalThreshold"`
	DeviationThreshold   float64 `koanf:"deviation_threshold" json:"deviationThreshold"`
	VelocityThreshold    int     `koanf:"velocity_threshold" json:"velocityThreshold"`
}

// RiskWeights are the component weights of the overall risk score.
type RiskWeights struct {
	Transaction float64 `koanf:"transaction" json:"transaction"`
	Behavior    float64 `koanf:"behavior" json:"behavior"`
	Account     float64 `koanf:"account" json:"account"`
	Time        float64 `koanf:"time" json:"time"`
	Location    float64 `koanf:"location" json:"location"`
}

// RiskConfig holds risk aggregation coefficients.
type RiskConfig struct {
	WindowDays int         `koanf:"window_days" json:"windowDays"`
	Weights    RiskWeights `koanf:"weights" json:"weights"`

	LargeAmountMultiplier float64 `koanf:"large_amount_multiplier" json:"largeAmountMultiplier"`
	TransactionScale      float64 `koanf:"transaction_scale" json:"transactionScale"`

	BehaviorBase        float64 `koanf:"behavior_base" json:"behaviorBase"`
	BehaviorPerMerchant float64 `koanf:"behavior_per_merchant" json:"behaviorPerMerchant"`

	AccountPerAccount     float64       `koanf:"account_per_account" json:"accountPerAccount"`
	AccountCountCap       int           `koanf:"account_count_cap" json:"accountCountCap"`
	AccountUnsyncedWeight float64       `koanf:"account_unsynced_weight" json:"accountUnsyncedWeight"`
	AccountStaleAfter     time.Duration `koanf:"account_stale_after" json:"accountStaleAfter"`

	// Transactions outside [DayStartHour, DayEndHour) count toward time risk.
	DayStartHour int `koanf:"day_start_hour" json:"dayStartHour"`
	DayEndHour   int `koanf:"day_end_hour" json:"dayEndHour"`
}

// AlertsConfig controls alert persistence and notification.
type AlertsConfig struct {
	NotifyTimeout time.Duration `koanf:"notify_timeout" json:"notifyTimeout"`

	// MaxPushPerHour caps notifications per user per hour. Zero disables the cap.
	MaxPushPerHour int `koanf:"max_push_per_hour" json:"maxPushPerHour"`

	RetentionDays int `koanf:"retention_days" json:"retentionDays"`
}

// NotifyConfig controls push notification publishing.
type NotifyConfig struct {
	// Transport is "bus" (publish to the event bus) or "log".
	Transport     string  `koanf:"transport" json:"transport" validate:"oneof=bus log"`
	RatePerSecond float64 `koanf:"rate_per_second" json:"ratePerSecond"`
	Burst         int     `koanf:"burst" json:"burst"`
}

// QueueConfig controls the job queue.
type QueueConfig struct {
	// Type is "memory" or "sql".
	Type string `koanf:"type" json:"type" validate:"oneof=memory sql"`

	DefaultAttempts int           `koanf:"default_attempts" json:"defaultAttempts" validate:"min=1"`
	DefaultBackoff  time.Duration `koanf:"default_backoff" json:"defaultBackoff"`

	// EnqueueTimeout bounds the fire-and-forget enqueue after synchronous analysis.
	EnqueueTimeout time.Duration `koanf:"enqueue_timeout" json:"enqueueTimeout"`

	CompletedRetention time.Duration `koanf:"completed_retention" json:"completedRetention"`
	DeadRetention      time.Duration `koanf:"dead_retention" json:"deadRetention"`
}

// WorkerConfig controls the job processor pool and handler thresholds.
type WorkerConfig struct {
	Concurrency  int           `koanf:"concurrency" json:"concurrency" validate:"min=1"`
	PollInterval time.Duration `koanf:"poll_interval" json:"pollInterval"`

	PatternWindowDays    int     `koanf:"pattern_window_days" json:"patternWindowDays"`
	DailyCountThreshold  int     `koanf:"daily_count_threshold" json:"dailyCountThreshold"`
	LargeTxnMultiplier   float64 `koanf:"large_txn_multiplier" json:"largeTxnMultiplier"`
	LargeTxnThreshold    int     `koanf:"large_txn_threshold" json:"largeTxnThreshold"`
	TrainMinTransactions int     `koanf:"train_min_transactions" json:"trainMinTransactions"`

	GoalGapMedium   float64 `koanf:"goal_gap_medium" json:"goalGapMedium"`
	GoalGapHigh     float64 `koanf:"goal_gap_high" json:"goalGapHigh"`
	GoalGapCritical float64 `koanf:"goal_gap_critical" json:"goalGapCritical"`

	AccountWindow        time.Duration `koanf:"account_window" json:"accountWindow"`
	RapidFireGap         time.Duration `koanf:"rapid_fire_gap" json:"rapidFireGap"`
	RapidFireThreshold   int           `koanf:"rapid_fire_threshold" json:"rapidFireThreshold"`
	RoundAmountUnit      int64         `koanf:"round_amount_unit" json:"roundAmountUnit"`
	RoundAmountThreshold int           `koanf:"round_amount_threshold" json:"roundAmountThreshold"`

	// SyncStaleAfter makes the account sweep enqueue sync-account for
	// accounts not synced within it. Zero disables.
	SyncStaleAfter time.Duration `koanf:"sync_stale_after" json:"syncStaleAfter"`
}

// SchedulerConfig holds cron specs for the periodic sweeps.
type SchedulerConfig struct {
	Enabled  bool   `koanf:"enabled" json:"enabled"`
	Timezone string `koanf:"timezone" json:"timezone"`

	GoalSweep      string `koanf:"goal_sweep" json:"goalSweep"`
	RecentAnalysis string `koanf:"recent_analysis" json:"recentAnalysis"`
	ProfileRefresh string `koanf:"profile_refresh" json:"profileRefresh"`
	AccountSweep   string `koanf:"account_sweep" json:"accountSweep"`
	WeeklyDigest   string `koanf:"weekly_digest" json:"weeklyDigest"`
	Retention      string `koanf:"retention" json:"retention"`

	RecentWindow time.Duration `koanf:"recent_window" json:"recentWindow"`
	ActiveWindow time.Duration `koanf:"active_window" json:"activeWindow"`
	MaxStagger   time.Duration `koanf:"max_stagger" json:"maxStagger"`
}

// DefaultDetectionConfig returns the reference tuning of the analysis pipeline.
func DefaultDetectionConfig() DetectionConfig {
	return DetectionConfig{
		ReadTimeout: 5 * time.Second,
		Profile: ProfileConfig{
			HistoryMonths: 6,
			TopN:          10,
		},
		Rules: RulesConfig{
			Base:                    BaseConfidence{Critical: 0.90, High: 0.75, Medium: 0.60, Low: 0.40},
			BonusScale:              0.05,
			BonusCap:                0.10,
			MaxWeight:               0.7,
			MeanWeight:              0.3,
			FraudThreshold:          0.5,
			AmountExtremeMultiplier: 5,
			AmountExtremeDeviation:  3,
			AmountSpikeMultiplier:   3,
			AmountSpikeDeviation:    2,
			VelocityBurstCount:      10,
			VelocityRapidCount:      5,
			VelocityRapidGapHours:   0.5,
			NewLocationMultiplier:   2,
			OffHoursMultiplier:      1.5,
			NewMerchantMultiplier:   3,
			CardTestingMaxAmount:    10,
			CardTestingMinVelocity:  3,
			MultiFactorDeviation:    4,
			WeekendMultiplier:       2,
			DormantHours:            720,
			DormantMultiplier:       2,
		},
		Scorer: ScorerConfig{
			DeviationHigh:         2,
			DeviationHighWeight:   0.30,
			DeviationMedium:       1.5,
			DeviationMediumWeight: 0.15,
			OffHoursWeight:        0.20,
			NewMerchantWeight:     0.25,
			NewLocationWeight:     0.20,
			VelocityThreshold:     5,
			VelocityWeight:        0.30,
			WeekendWeight:         0.15,
			LargeAmountMultiplier: 2,
		},
		Decision: DecisionConfig{
			StatisticalThreshold: 0.7,
			DeviationThreshold:   2,
			VelocityThreshold:    5,
		},
		Risk: RiskConfig{
			WindowDays: 7,
			Weights: RiskWeights{
				Transaction: 0.30,
				Behavior:    0.20,
				Account:     0.20,
				Time:        0.15,
				Location:    0.15,
			},
			LargeAmountMultiplier: 2,
			TransactionScale:      30,
			BehaviorBase:          50,
			BehaviorPerMerchant:   2,
			AccountPerAccount:     5,
			AccountCountCap:       25,
			AccountUnsyncedWeight: 25,
			AccountStaleAfter:     7 * 24 * time.Hour,
			DayStartHour:          6,
			DayEndHour:            22,
		},
	}
}

// DefaultWorkerConfig returns the reference job processor settings.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency:          4,
		PollInterval:         time.Second,
		PatternWindowDays:    7,
		DailyCountThreshold:  20,
		LargeTxnMultiplier:   2,
		LargeTxnThreshold:    5,
		TrainMinTransactions: 50,
		GoalGapMedium:        0.25,
		GoalGapHigh:          0.4,
		GoalGapCritical:      0.7,
		AccountWindow:        24 * time.Hour,
		RapidFireGap:         60 * time.Second,
		RapidFireThreshold:   3,
		RoundAmountUnit:      100,
		RoundAmountThreshold: 5,
		SyncStaleAfter:       24 * time.Hour,
	}
}

// DefaultSchedulerConfig returns the reference cron cadences.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Enabled:        true,
		Timezone:       "UTC",
		GoalSweep:      "0 */4 * * *",
		RecentAnalysis: "0 */2 * * *",
		ProfileRefresh: "0 3 * * *",
		AccountSweep:   "*/30 9-17 * * 1-5",
		WeeklyDigest:   "0 8 * * 1",
		Retention:      "0 4 1 * *",
		RecentWindow:   2 * time.Hour,
		ActiveWindow:   30 * 24 * time.Hour,
		MaxStagger:     60 * time.Second,
	}
}

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Detection: DefaultDetectionConfig(),
		Alerts: AlertsConfig{
			NotifyTimeout: 5 * time.Second,
			RetentionDays: 90,
		},
		Notify: NotifyConfig{
			Transport:     "bus",
			RatePerSecond: 50,
			Burst:         100,
		},
		Queue: QueueConfig{
			Type:               "sql",
			DefaultAttempts:    3,
			DefaultBackoff:     2 * time.Second,
			EnqueueTimeout:     5 * time.Second,
			CompletedRetention: 7 * 24 * time.Hour,
			DeadRetention:      24 * time.Hour,
		},
		Worker:    DefaultWorkerConfig(),
		Scheduler: DefaultSchedulerConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
			SampleRate:  1,
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:          "postgres",
		PostgresHost:    "localhost",
		PostgresPort:    5432,
		PostgresDB:      "kestrel",
		PostgresSSLMode: "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		NATSQueueGroup:    "kestrel",
	}
	cfg.Detection.Profile.CacheTTL = 10 * time.Minute
	cfg.Worker.Concurrency = 16
	cfg.Tracing.Enabled = true
	return cfg
}
