package ops

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/yanun0323/errors"

	"tradecore/internal/risk"
	"tradecore/internal/wal"
	"tradecore/pkg/conn"
	"tradecore/pkg/exception"
)

// EnvPrefix prefixes every environment override, e.g. TRADECORE_WAL_PATH.
const EnvPrefix = "TRADECORE"

const (
	StoreDriverMemory   = "memory"
	StoreDriverPostgres = "postgres"
)

// Config is the engine configuration.
type Config struct {
	Account     AccountConfig               `mapstructure:"account"`
	Instruments map[string]InstrumentConfig `mapstructure:"instruments"`
	Order       OrderConfig                 `mapstructure:"order"`
	Risk        RiskConfig                  `mapstructure:"risk"`
	SelfTrade   risk.SelfTradeConfig        `mapstructure:"self_trade"`
	WAL         wal.Config                  `mapstructure:"wal"`
	Store       StoreConfig                 `mapstructure:"store"`
	Queue       QueueConfig                 `mapstructure:"queue"`
	Metrics     MetricsConfig               `mapstructure:"metrics"`
	Profiling   ProfilingConfig             `mapstructure:"profiling"`
}

// AccountConfig seeds the account ledger.
type AccountConfig struct {
	ID             string  `mapstructure:"id"`
	TradingDay     string  `mapstructure:"trading_day"`
	InitialBalance float64 `mapstructure:"initial_balance"`
	// CommissionPerLot is charged on every filled lot.
	CommissionPerLot float64 `mapstructure:"commission_per_lot"`
}

// InstrumentConfig holds per-contract constants.
type InstrumentConfig struct {
	Multiplier float64 `mapstructure:"multiplier"`
	MarginRate float64 `mapstructure:"margin_rate"`
}

// OrderConfig controls the order manager.
type OrderConfig struct {
	ProcessedCacheSize int      `mapstructure:"processed_cache_size"`
	TradeEventSources  []string `mapstructure:"trade_event_sources"`
}

// RiskConfig controls rule loading.
type RiskConfig struct {
	RuleFile       string        `mapstructure:"rule_file"`
	ReloadInterval time.Duration `mapstructure:"reload_interval"`
	Limits         risk.Limits   `mapstructure:"limits"`
}

// Manager converts the section into a risk.ManagerConfig.
func (c RiskConfig) Manager() risk.ManagerConfig {
	return risk.ManagerConfig{
		RuleFile:       c.RuleFile,
		ReloadInterval: c.ReloadInterval,
		Defaults:       c.Limits,
	}
}

// StoreConfig selects the domain store.
type StoreConfig struct {
	Driver   string         `mapstructure:"driver"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig mirrors conn.Option.
type PostgresConfig struct {
	Host            string            `mapstructure:"host"`
	Port            int               `mapstructure:"port"`
	User            string            `mapstructure:"user"`
	Password        string            `mapstructure:"password"`
	Database        string            `mapstructure:"database"`
	SSLMode         string            `mapstructure:"ssl_mode"`
	Params          map[string]string `mapstructure:"params"`
	ConnString      string            `mapstructure:"conn_string"`
	MaxOpenConns    int               `mapstructure:"max_open_conns"`
	MaxIdleConns    int               `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration     `mapstructure:"conn_max_lifetime"`
}

// Option converts the section into a conn.Option.
func (c PostgresConfig) Option() conn.Option {
	return conn.Option{
		Host:            c.Host,
		Port:            c.Port,
		User:            c.User,
		Password:        c.Password,
		Database:        c.Database,
		SSLMode:         c.SSLMode,
		Params:          c.Params,
		ConnString:      c.ConnString,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
	}
}

// QueueConfig sizes the inbound message queue.
type QueueConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// MetricsConfig controls the prometheus endpoint. An empty address disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// ProfilingConfig controls pyroscope. An empty server address disables it.
type ProfilingConfig struct {
	ServerAddress   string `mapstructure:"server_address"`
	ApplicationName string `mapstructure:"application_name"`
}

var defaults = map[string]any{
	"account.id":                              "default",
	"account.trading_day":                     "",
	"account.initial_balance":                 1_000_000.0,
	"account.commission_per_lot":              0.0,
	"order.processed_cache_size":              100_000,
	"order.trade_event_sources":               []string{"trade", "OnRtnTrade"},
	"risk.rule_file":                          "",
	"risk.reload_interval":                    5 * time.Second,
	"risk.limits.max_loss_per_order":          0.0,
	"risk.limits.max_order_volume":            0.0,
	"risk.limits.max_order_rate":              0.0,
	"risk.limits.max_cancel_rate":             0.0,
	"risk.limits.max_position_per_instrument": 0.0,
	"risk.limits.max_total_position":          0.0,
	"risk.limits.max_leverage":                0.0,
	"risk.limits.daily_loss_limit":            0.0,
	"risk.limits.max_daily_loss":              0.0,
	"risk.limits.self_trade_prevention":       false,
	"self_trade.enabled":                      true,
	"self_trade.strict_mode_trigger_hits":     3,
	"wal.path":                                "data/wal/events.wal",
	"wal.fsync":                               false,
	"store.driver":                            StoreDriverMemory,
	"store.postgres.host":                     "localhost",
	"store.postgres.port":                     5432,
	"store.postgres.user":                     "",
	"store.postgres.password":                 "",
	"store.postgres.database":                 "",
	"store.postgres.ssl_mode":                 "disable",
	"store.postgres.conn_string":              "",
	"store.postgres.max_open_conns":           8,
	"store.postgres.max_idle_conns":           2,
	"store.postgres.conn_max_lifetime":        30 * time.Minute,
	"queue.capacity":                          4096,
	"metrics.addr":                            "",
	"profiling.server_address":                "",
	"profiling.application_name":              "tradecore",
}

// Load reads path (YAML, JSON or TOML by extension) on top of the defaults and
// applies TRADECORE_ environment overrides. An empty path uses defaults and
// environment only.
func Load(path string) (Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrap(err, "read config")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "unmarshal config")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) withDefaults() Config {
	if c.Store.Driver == "" {
		c.Store.Driver = StoreDriverMemory
	}
	if c.Queue.Capacity <= 0 {
		c.Queue.Capacity = 1
	}
	if c.Risk.ReloadInterval <= 0 {
		c.Risk.ReloadInterval = 5 * time.Second
	}
	return c
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	if c.Account.ID == "" {
		return fmt.Errorf("%w: account.id is empty", exception.ErrConfigInvalid)
	}
	if c.Account.InitialBalance < 0 {
		return fmt.Errorf("%w: account.initial_balance must be >= 0", exception.ErrConfigInvalid)
	}
	if c.Account.CommissionPerLot < 0 {
		return fmt.Errorf("%w: account.commission_per_lot must be >= 0", exception.ErrConfigInvalid)
	}
	if err := c.WAL.Validate(); err != nil {
		return err
	}
	if c.SelfTrade.StrictModeTriggerHits < 0 {
		return fmt.Errorf("%w: self_trade.strict_mode_trigger_hits must be >= 0", exception.ErrConfigInvalid)
	}
	for id, inst := range c.Instruments {
		if inst.Multiplier < 0 || inst.MarginRate < 0 {
			return fmt.Errorf("%w: instrument %s has a negative constant", exception.ErrConfigInvalid, id)
		}
	}
	switch c.Store.Driver {
	case StoreDriverMemory:
	case StoreDriverPostgres:
		if c.Store.Postgres.ConnString == "" && c.Store.Postgres.Database == "" {
			return fmt.Errorf("%w: store.postgres.database is empty", exception.ErrConfigInvalid)
		}
	default:
		return fmt.Errorf("%w: %s", exception.ErrStoreUnknownDriver, c.Store.Driver)
	}
	return nil
}

// Instrument returns the constants of instrumentID, with a multiplier of 1
// when it is not configured.
func (c Config) Instrument(instrumentID string) InstrumentConfig {
	inst, ok := c.Instruments[strings.ToLower(instrumentID)]
	if !ok || inst.Multiplier <= 0 {
		inst.Multiplier = 1
	}
	return inst
}
