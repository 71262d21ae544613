// Package params defines the matcher's configuration shape and loads it
// from file, environment, and .env layers via spf13/viper.
package params

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// LocalQueueConfig configures the single-file embedded queue transport.
type LocalQueueConfig struct {
	Dir string `mapstructure:"dir"`
}

// RemoteQueueConfig configures the Kafka-backed queue transport.
type RemoteQueueConfig struct {
	Bootstrap       []string `mapstructure:"bootstrap"`
	Topic           string   `mapstructure:"topic"`
	ClientID        string   `mapstructure:"clientId"`
	GroupID         string   `mapstructure:"groupId"`
	ProducerAcks    string   `mapstructure:"producerAcks"` // "none", "leader", "all"
	ConsumerMaxPoll int      `mapstructure:"consumerMaxPoll"`
}

// EventsQueueConfig selects and configures one of the two queue transports.
type EventsQueueConfig struct {
	Type   string            `mapstructure:"type"` // "local" or "remote"
	Local  LocalQueueConfig  `mapstructure:"local"`
	Remote RemoteQueueConfig `mapstructure:"remote"`
}

// OrderFeeConfig sets the minimum fee rate required per fee asset,
// expressed in fee-asset units per unit of amount, scaled by
// order.PriceConstant (10^8) the way prices are.
type OrderFeeConfig struct {
	MinRate map[string]int64 `mapstructure:"minRate"`
}

// OrderRestrictionsConfig bounds the order age and expiration window
// the validator's time stage accepts.
type OrderRestrictionsConfig struct {
	MaxOrderAge         time.Duration `mapstructure:"maxOrderAge"`
	MinExpirationWindow time.Duration `mapstructure:"minExpirationWindow"`
	MaxExpirationWindow time.Duration `mapstructure:"maxExpirationWindow"`
}

// MatchingRuleConfig binds a tick-size aggregation to the offset from
// which it takes effect, as loaded from configuration before the
// registry has assigned any live offsets.
type MatchingRuleConfig struct {
	StartOffset uint64 `mapstructure:"startOffset"`
	TickMode    string `mapstructure:"tickMode"` // "disabled" or "enabled"
	Tick        int64  `mapstructure:"tick"`
}

// PairRulesConfig names one asset pair and its ordered matching rules.
type PairRulesConfig struct {
	AmountAsset string               `mapstructure:"amountAsset"`
	PriceAsset  string               `mapstructure:"priceAsset"`
	Rules       []MatchingRuleConfig `mapstructure:"rules"`
}

// Config is the full set of options the matcher core recognizes, per the
// external-interfaces configuration contract.
type Config struct {
	Account string `mapstructure:"account"`
	DataDir string `mapstructure:"dataDir"`

	EventsQueue EventsQueueConfig `mapstructure:"eventsQueue"`

	SnapshotsInterval            uint64        `mapstructure:"snapshotsInterval"`
	SnapshotsLoadingTimeout      time.Duration `mapstructure:"snapshotsLoadingTimeout"`
	StartEventsProcessingTimeout time.Duration `mapstructure:"startEventsProcessingTimeout"`

	BlacklistedAssets    []string `mapstructure:"blacklistedAssets"`
	BlacklistedAddresses []string `mapstructure:"blacklistedAddresses"`

	OrderFee             OrderFeeConfig          `mapstructure:"orderFee"`
	Deviation            float64                 `mapstructure:"deviation"`
	OrderRestrictions    OrderRestrictionsConfig `mapstructure:"orderRestrictions"`
	MatchingRules        []PairRulesConfig       `mapstructure:"matchingRules"`
	AllowedOrderVersions []int                   `mapstructure:"allowedOrderVersions"`

	PostgresConnection string `mapstructure:"postgresConnection"`

	HTTPAddr               string        `mapstructure:"httpAddr"`
	PlacementTimeout       time.Duration `mapstructure:"placementTimeout"`
	BroadcastWorkers       int           `mapstructure:"broadcastWorkers"`
	BroadcastQueueSize     int           `mapstructure:"broadcastQueueSize"`
	BroadcastRetriesPerMin int           `mapstructure:"broadcastRetriesPerMin"`
	BroadcastPollInterval  time.Duration `mapstructure:"broadcastPollInterval"`
}

func Default() Config {
	return Config{
		DataDir: "./data",
		EventsQueue: EventsQueueConfig{
			Type:  "local",
			Local: LocalQueueConfig{Dir: "./data/queue"},
		},
		SnapshotsInterval:            1000,
		SnapshotsLoadingTimeout:      30 * time.Second,
		StartEventsProcessingTimeout: 2 * time.Minute,
		OrderFee: OrderFeeConfig{
			MinRate: map[string]int64{},
		},
		Deviation: 0.25,
		OrderRestrictions: OrderRestrictionsConfig{
			MaxOrderAge:         24 * time.Hour,
			MinExpirationWindow: 1 * time.Minute,
			MaxExpirationWindow: 30 * 24 * time.Hour,
		},
		AllowedOrderVersions:   []int{1},
		HTTPAddr:               ":8080",
		PlacementTimeout:       5 * time.Second,
		BroadcastWorkers:       4,
		BroadcastQueueSize:     1024,
		BroadcastRetriesPerMin: 120,
		BroadcastPollInterval:  2 * time.Second,
	}
}

// Load reads configuration from configPath (if non-empty) over Default().
// MATCHERD_-prefixed environment variables (after .env is loaded) override
// only keys the config file sets; with an empty configPath, Load returns
// Default() and environment variables are not applied.
func Load(configPath, envPath string) (Config, error) {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	v := viper.New()
	v.SetEnvPrefix("MATCHERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("params: read config %s: %w", configPath, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("params: unmarshal config: %w", err)
	}
	return cfg, nil
}

// BlacklistedAssetSet returns cfg.BlacklistedAssets as a lookup set.
func (c Config) BlacklistedAssetSet() map[string]bool {
	out := make(map[string]bool, len(c.BlacklistedAssets))
	for _, a := range c.BlacklistedAssets {
		out[a] = true
	}
	return out
}

// BlacklistedAddressSet returns cfg.BlacklistedAddresses, normalized to
// checksummed hex, as a lookup set keyed the way order.Order.Owner.Hex()
// renders addresses.
func (c Config) BlacklistedAddressSet() map[string]bool {
	out := make(map[string]bool, len(c.BlacklistedAddresses))
	for _, a := range c.BlacklistedAddresses {
		out[common.HexToAddress(a).Hex()] = true
	}
	return out
}

// AllowedOrderVersionSet returns cfg.AllowedOrderVersions as a lookup set
// keyed by the order.Order.Version byte.
func (c Config) AllowedOrderVersionSet() map[uint8]bool {
	out := make(map[uint8]bool, len(c.AllowedOrderVersions))
	for _, v := range c.AllowedOrderVersions {
		out[uint8(v)] = true
	}
	return out
}
