// Package ratecache holds the in-memory, durably-backed caches of
// fee-asset rates and asset decimals. The API's rates endpoint reads
// RateCache; the OrderValidator consults neither cache (its minimum-fee
// check uses Settings.MinFeeRate).
package ratecache

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/dexmatcher/matcherd/pkg/storage"
)

const ratePrefix = "rate:"

func rateKey(asset string) []byte { return []byte(ratePrefix + asset) }

// RateCache maps a fee asset id to its matcher fee rate, expressed in
// integer micro-units. Updates are atomic and immediately durable.
type RateCache struct {
	mu    sync.RWMutex
	rates map[string]int64
	db    *storage.Store
}

func NewRateCache(db *storage.Store) *RateCache {
	return &RateCache{rates: make(map[string]int64), db: db}
}

// Load repopulates the cache from durable storage at startup.
func (c *RateCache) Load() error {
	if c.db == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db.ScanPrefix([]byte(ratePrefix), func(key, value []byte) error {
		asset := string(key[len(ratePrefix):])
		var rate int64
		if err := storage.DecodeGob(value, &rate); err != nil {
			return fmt.Errorf("ratecache: decode %s: %w", asset, err)
		}
		c.rates[asset] = rate
		return nil
	})
}

// Get returns the configured rate for asset and whether one is known.
func (c *RateCache) Get(asset string) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rate, ok := c.rates[asset]
	return rate, ok
}

// Set durably updates the rate for asset.
func (c *RateCache) Set(asset string, rate int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db != nil {
		val, err := storage.EncodeGob(rate)
		if err != nil {
			return fmt.Errorf("ratecache: encode: %w", err)
		}
		if err := c.db.Set(rateKey(asset), val, true); err != nil {
			return err
		}
	}
	c.rates[asset] = rate
	return nil
}

// DefaultDecimals is used whenever a blockchain lookup fails; the failure
// is logged rather than propagated, since decimals only affect display
// and deviation-band math, never fund movement.
const DefaultDecimals uint8 = 8

// AssetDecimalsCache maps an asset id to its decimal precision (0..8),
// populated lazily from the blockchain context on first use.
type AssetDecimalsCache struct {
	mu       sync.RWMutex
	decimals map[string]uint8
	lookup   func(assetID string) (uint8, error)
	logger   *zap.Logger
	db       *storage.Store
}

func NewAssetDecimalsCache(lookup func(assetID string) (uint8, error), db *storage.Store, logger *zap.Logger) *AssetDecimalsCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AssetDecimalsCache{
		decimals: make(map[string]uint8),
		lookup:   lookup,
		logger:   logger,
		db:       db,
	}
}

const decimalsPrefix = "decimals:"

func decimalsKey(asset string) []byte { return []byte(decimalsPrefix + asset) }

// Decimals returns the cached decimal precision for assetID, populating it
// lazily from the chain lookup on first access and falling back to
// DefaultDecimals (logged) if the lookup fails.
func (c *AssetDecimalsCache) Decimals(assetID string) uint8 {
	c.mu.RLock()
	if d, ok := c.decimals[assetID]; ok {
		c.mu.RUnlock()
		return d
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.decimals[assetID]; ok {
		return d
	}

	d, err := c.lookup(assetID)
	if err != nil {
		c.logger.Warn("asset decimals lookup failed, using default",
			zap.String("asset", assetID), zap.Uint8("default", DefaultDecimals), zap.Error(err))
		d = DefaultDecimals
	}
	c.decimals[assetID] = d
	if c.db != nil {
		if val, err := storage.EncodeGob(d); err == nil {
			_ = c.db.Set(decimalsKey(assetID), val, false)
		}
	}
	return d
}
